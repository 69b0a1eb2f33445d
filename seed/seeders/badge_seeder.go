package seeders

import (
	"encoding/json"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

// BadgeSeeder seeds the badge catalog
type BadgeSeeder struct {
	db *gorm.DB
}

// NewBadgeSeeder creates a new badge seeder
func NewBadgeSeeder(db *gorm.DB) *BadgeSeeder {
	return &BadgeSeeder{db: db}
}

// SeedBadges seeds the database with the default badge catalog
func (s *BadgeSeeder) SeedBadges() error {
	badges := s.getBadgeCatalog()

	for _, badge := range badges {
		var existing model.Badge
		if err := s.db.Where("id = ?", badge.ID).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				if err := s.db.Create(&badge).Error; err != nil {
					log.Printf("Error creating badge %s: %v", badge.Name, err)
					return err
				}
				log.Printf("Created badge: %s", badge.Name)
			} else {
				log.Printf("Error checking badge %s: %v", badge.Name, err)
				return err
			}
		} else {
			log.Printf("Badge %s already exists, skipping", badge.Name)
		}
	}

	log.Println("Badge seeding completed successfully")
	return nil
}

func (s *BadgeSeeder) getBadgeCatalog() []model.Badge {
	now := time.Now()

	return []model.Badge{
		{
			ID:          "badge_first_steps",
			Name:        "First Steps",
			Description: "Complete your first lesson",
			IconURL:     "/assets/badges/first_steps.svg",
			Rarity:      shared.RarityCommon,
			XPReward:    10,
			Criteria:    criteria(model.CriteriaLessonsCompleted, 1),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_getting_started",
			Name:        "Getting Started",
			Description: "Complete your first course",
			IconURL:     "/assets/badges/getting_started.svg",
			Rarity:      shared.RarityCommon,
			XPReward:    50,
			Criteria:    criteria(model.CriteriaCoursesCompleted, 1),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_dedicated_learner",
			Name:        "Dedicated Learner",
			Description: "Complete 25 lessons",
			IconURL:     "/assets/badges/dedicated_learner.svg",
			Rarity:      shared.RarityRare,
			XPReward:    100,
			Criteria:    criteria(model.CriteriaLessonsCompleted, 25),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_course_collector",
			Name:        "Course Collector",
			Description: "Complete 5 courses",
			IconURL:     "/assets/badges/course_collector.svg",
			Rarity:      shared.RarityRare,
			XPReward:    150,
			Criteria:    criteria(model.CriteriaCoursesCompleted, 5),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_xp_hunter",
			Name:        "XP Hunter",
			Description: "Earn 5000 total XP",
			IconURL:     "/assets/badges/xp_hunter.svg",
			Rarity:      shared.RarityEpic,
			XPReward:    250,
			Criteria:    criteria(model.CriteriaXPTotal, 5000),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_week_streak",
			Name:        "On Fire",
			Description: "Keep a 7 day learning streak",
			IconURL:     "/assets/badges/week_streak.svg",
			Rarity:      shared.RarityRare,
			XPReward:    75,
			Criteria:    criteria(model.CriteriaStreakDays, 7),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_month_streak",
			Name:        "Unstoppable",
			Description: "Keep a 30 day learning streak",
			IconURL:     "/assets/badges/month_streak.svg",
			Rarity:      shared.RarityLegendary,
			XPReward:    500,
			Criteria:    criteria(model.CriteriaStreakDays, 30),
			IsActive:    true,
			CreatedAt:   now,
		},
		{
			ID:          "badge_helpful_colleague",
			Name:        "Helpful Colleague",
			Description: "Answer 10 forum questions",
			IconURL:     "/assets/badges/helpful_colleague.svg",
			Rarity:      shared.RarityRare,
			XPReward:    100,
			Criteria:    criteria(model.CriteriaForumAnswers, 10),
			IsActive:    true,
			CreatedAt:   now,
		},
	}
}

func criteria(kind string, threshold int) json.RawMessage {
	data, _ := json.Marshal(model.BadgeCriteria{Kind: kind, Threshold: threshold})
	return data
}
