package model

import "time"

type User struct {
	ID        string `gorm:"primaryKey"`
	OrgID     string `gorm:"index"`
	Email     string `gorm:"unique"`
	Username  string `gorm:"unique;not null"`
	Role      string `gorm:"default:learner"`
	IsActive  bool   `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
