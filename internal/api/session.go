package api

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"taskhub-bot/internal/models"
	"taskhub-bot/internal/tgauth"
)

var (
	// ErrNotRegistered means the init data is valid but no user row exists.
	// Only the registration endpoint may recover from it.
	ErrNotRegistered = errors.New("user not registered")
	// ErrBanned rejects authenticated but banned users.
	ErrBanned = errors.New("user is banned")
)

// authenticate is the session gate: it verifies the init data signature,
// loads the user and syncs a drifted username. It never caches; every call
// re-verifies the token it was handed.
func (s *Server) authenticate(ctx context.Context, initData string) (*models.User, error) {
	values, err := tgauth.Validate(initData, s.cfg.BotToken)
	if err != nil {
		return nil, err
	}
	descriptor, err := tgauth.ParseUser(values["user"])
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, descriptor.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("failed to load user %d: %w", descriptor.ID, err)
	}
	if user.IsBanned {
		return nil, ErrBanned
	}

	if descriptor.Username != "" && user.Username != descriptor.Username {
		if err := s.db.WithContext(ctx).Model(&user).Update("username", descriptor.Username).Error; err != nil {
			log.Printf("Failed to sync username for user %d: %v", user.ID, err)
		} else {
			user.Username = descriptor.Username
		}
	}

	return &user, nil
}
