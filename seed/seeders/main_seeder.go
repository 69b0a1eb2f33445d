package seeders

import (
	"log"

	"gorm.io/gorm"
)

// MainSeeder coordinates all seeding operations
type MainSeeder struct {
	db *gorm.DB
}

// NewMainSeeder creates a new main seeder
func NewMainSeeder(db *gorm.DB) *MainSeeder {
	return &MainSeeder{db: db}
}

// SeedAll runs all seeders in the correct order
func (s *MainSeeder) SeedAll() error {
	log.Println("Starting database seeding...")

	// 1. Seed users first (no dependencies)
	userSeeder := NewUserSeeder(s.db)
	if err := userSeeder.SeedUsers(); err != nil {
		log.Printf("User seeding failed: %v", err)
		return err
	}

	// 2. Seed the badge catalog
	badgeSeeder := NewBadgeSeeder(s.db)
	if err := badgeSeeder.SeedBadges(); err != nil {
		log.Printf("Badge seeding failed: %v", err)
		return err
	}

	// 3. Seed courses and their lessons
	courseSeeder := NewCourseSeeder(s.db)
	if err := courseSeeder.SeedCourses(); err != nil {
		log.Printf("Course seeding failed: %v", err)
		return err
	}

	log.Println("Database seeding completed successfully!")
	return nil
}

// SeedBadgesOnly seeds only the badge catalog
func (s *MainSeeder) SeedBadgesOnly() error {
	badgeSeeder := NewBadgeSeeder(s.db)
	return badgeSeeder.SeedBadges()
}

// SeedCoursesOnly seeds only courses and lessons
func (s *MainSeeder) SeedCoursesOnly() error {
	courseSeeder := NewCourseSeeder(s.db)
	return courseSeeder.SeedCourses()
}

// SeedUsersOnly seeds only demo users
func (s *MainSeeder) SeedUsersOnly() error {
	userSeeder := NewUserSeeder(s.db)
	return userSeeder.SeedUsers()
}
