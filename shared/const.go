package shared

const (
	UserID = "user_id"
	OrgID  = "org_id"
	Role   = "role"

	RoleLearner = "learner"
	RoleManager = "manager"
	RoleAdmin   = "admin"

	RarityCommon    = "common"
	RarityRare      = "rare"
	RarityEpic      = "epic"
	RarityLegendary = "legendary"
)
