package database

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"taskhub-bot/internal/config"
	"taskhub-bot/internal/models"
)

func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	var db *gorm.DB
	var err error

	// The database container may still be starting up
	for attempt := 0; attempt < 30; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Connected to PostgreSQL")

	// Auto Migrate
	err = db.AutoMigrate(&models.User{}, &models.Task{}, &models.UserTask{}, &models.Referral{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// SeedTasks inserts the starter tasks on an empty tasks table.
func SeedTasks(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Task{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []models.Task{
		{Title: "Join community", Reward: decimal.NewFromFloat(1.00), IsActive: true},
		{Title: "Complete profile", Reward: decimal.NewFromFloat(2.50), IsActive: true},
	}
	if err := db.Create(&seed).Error; err != nil {
		return fmt.Errorf("failed to seed tasks: %w", err)
	}

	log.Printf("Seeded %d starter tasks", len(seed))
	return nil
}
