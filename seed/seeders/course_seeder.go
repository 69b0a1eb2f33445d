package seeders

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/k-orbit/korbit_api/model"
)

// CourseSeeder seeds demo courses with their lessons
type CourseSeeder struct {
	db *gorm.DB
}

// NewCourseSeeder creates a new course seeder
func NewCourseSeeder(db *gorm.DB) *CourseSeeder {
	return &CourseSeeder{db: db}
}

// SeedCourses seeds the database with demo courses and lessons
func (s *CourseSeeder) SeedCourses() error {
	courses, lessons := s.getDemoCatalog()

	for _, course := range courses {
		var existing model.Course
		if err := s.db.Where("id = ?", course.ID).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				if err := s.db.Create(&course).Error; err != nil {
					log.Printf("Error creating course %s: %v", course.Title, err)
					return err
				}
				log.Printf("Created course: %s", course.Title)
			} else {
				log.Printf("Error checking course %s: %v", course.Title, err)
				return err
			}
		} else {
			log.Printf("Course %s already exists, skipping", course.Title)
		}
	}

	for _, lesson := range lessons {
		var existing model.Lesson
		if err := s.db.Where("id = ?", lesson.ID).First(&existing).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				if err := s.db.Create(&lesson).Error; err != nil {
					log.Printf("Error creating lesson %s: %v", lesson.Title, err)
					return err
				}
				log.Printf("Created lesson: %s", lesson.Title)
			} else {
				log.Printf("Error checking lesson %s: %v", lesson.Title, err)
				return err
			}
		} else {
			log.Printf("Lesson %s already exists, skipping", lesson.Title)
		}
	}

	log.Println("Course seeding completed successfully")
	return nil
}

func (s *CourseSeeder) getDemoCatalog() ([]model.Course, []model.Lesson) {
	now := time.Now()

	courses := []model.Course{
		{
			ID:        "course_onboarding",
			OrgID:     "org_demo",
			Title:     "New Hire Onboarding",
			Status:    "published",
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        "course_security",
			OrgID:     "org_demo",
			Title:     "Security Awareness Essentials",
			Status:    "published",
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:        "course_draft_ai",
			OrgID:     "org_demo",
			Title:     "AI Tooling (draft)",
			Status:    "draft",
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	lessons := []model.Lesson{
		{
			ID:         "lesson_onboarding_1",
			CourseID:   "course_onboarding",
			Title:      "Welcome to the Team",
			OrderIndex: 1,
			Duration:   10,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_onboarding_2",
			CourseID:   "course_onboarding",
			Title:      "Our Tools and Workflows",
			OrderIndex: 2,
			Duration:   25,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_onboarding_3",
			CourseID:   "course_onboarding",
			Title:      "Who to Ask for What",
			OrderIndex: 3,
			Duration:   15,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_onboarding_4",
			CourseID:   "course_onboarding",
			Title:      "Optional: Office Tour",
			OrderIndex: 4,
			Duration:   5,
			IsRequired: false,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_security_1",
			CourseID:   "course_security",
			Title:      "Phishing and Social Engineering",
			OrderIndex: 1,
			Duration:   20,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_security_2",
			CourseID:   "course_security",
			Title:      "Password Hygiene and MFA",
			OrderIndex: 2,
			Duration:   15,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		{
			ID:         "lesson_security_3",
			CourseID:   "course_security",
			Title:      "Handling Sensitive Data",
			OrderIndex: 3,
			Duration:   20,
			IsRequired: true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	return courses, lessons
}
