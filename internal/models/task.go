package models

import (
	"github.com/shopspring/decimal"
)

type Task struct {
	ID       int64           `gorm:"primaryKey"`
	Title    string          `gorm:"size:255"`
	Reward   decimal.Decimal `gorm:"type:numeric(10,2)"`
	IsActive bool            `gorm:"default:true"`
}
