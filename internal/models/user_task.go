package models

type UserTask struct {
	UserID    int64 `gorm:"primaryKey;autoIncrement:false"`
	TaskID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Completed bool  `gorm:"default:false"`
}
