package seeders

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

// UserSeeder seeds demo users for local development
type UserSeeder struct {
	db *gorm.DB
}

// NewUserSeeder creates a new user seeder
func NewUserSeeder(db *gorm.DB) *UserSeeder {
	return &UserSeeder{db: db}
}

// SeedUsers seeds the database with demo users
func (s *UserSeeder) SeedUsers() error {
	users := s.getDemoUsers()

	for _, user := range users {
		var existing model.User
		if err := s.db.Where("id = ?", user.ID).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				if err := s.db.Create(&user).Error; err != nil {
					log.Printf("Error creating user %s: %v", user.Username, err)
					return err
				}
				log.Printf("Created user: %s", user.Username)
			} else {
				log.Printf("Error checking user %s: %v", user.Username, err)
				return err
			}
		} else {
			log.Printf("User %s already exists, skipping", user.Username)
		}
	}

	log.Println("User seeding completed successfully")
	return nil
}

func (s *UserSeeder) getDemoUsers() []model.User {
	now := time.Now()

	return []model.User{
		{
			ID:        "user_demo_admin",
			OrgID:     "org_demo",
			Email:     "admin@demo.korbit.io",
			Username:  "demo_admin",
			Role:      shared.RoleAdmin,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        "user_demo_manager",
			OrgID:     "org_demo",
			Email:     "manager@demo.korbit.io",
			Username:  "demo_manager",
			Role:      shared.RoleManager,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        "user_demo_learner",
			OrgID:     "org_demo",
			Email:     "learner@demo.korbit.io",
			Username:  "demo_learner",
			Role:      shared.RoleLearner,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        "user_demo_learner_2",
			OrgID:     "org_demo",
			Email:     "learner2@demo.korbit.io",
			Username:  "demo_learner_2",
			Role:      shared.RoleLearner,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}
