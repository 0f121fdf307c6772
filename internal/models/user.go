package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID           int64           `gorm:"primaryKey;autoIncrement:false"`
	Username     string          `gorm:"size:255"`
	Balance      decimal.Decimal `gorm:"type:numeric(10,2);default:0"`
	ReferrerID   *int64          `gorm:"index"`
	Role         string          `gorm:"size:20;default:'user'"`
	RegisteredAt time.Time
	IsBanned     bool `gorm:"default:false"`
}

func (u *User) IsAdmin() bool {
	return u.Role == "admin"
}
