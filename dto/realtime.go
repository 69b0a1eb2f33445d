package dto

type AnnouncementRequest struct {
	Message    string `json:"message" validate:"required,max=2000"`
	TargetRole string `json:"target_role" validate:"omitempty,oneof=learner manager admin"`
	Priority   string `json:"priority" validate:"omitempty,oneof=low normal high"`
}

func (r AnnouncementRequest) Validate() error {
	return GetValidator().Struct(r)
}

type AnnouncementResponse struct {
	Room     string `json:"room"`
	Priority string `json:"priority"`
	SentAt   string `json:"sent_at"`
}
