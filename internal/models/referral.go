package models

type Referral struct {
	ID         int64 `gorm:"primaryKey"`
	ReferrerID int64 `gorm:"not null;index"`
	ReferredID int64 `gorm:"not null;index"`
	RewardPaid bool  `gorm:"default:false"`
}
