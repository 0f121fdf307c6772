package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"taskhub-bot/internal/config"
	"taskhub-bot/internal/models"
	"taskhub-bot/internal/tasks"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"gorm.io/gorm"
)

type Bot struct {
	Instance *telego.Bot
	DB       *gorm.DB
	Svc      *tasks.Service
	Cfg      *config.Config
}

func NewBot(cfg *config.Config, db *gorm.DB, svc *tasks.Service) (*Bot, error) {
	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		DB:       db,
		Svc:      svc,
		Cfg:      cfg,
	}, nil
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		if !b.checkSubscription(ctx.Context(), telegramID) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
				tu.ID(message.Chat.ID),
				"Please join our channel to use this bot.",
			))
			return nil
		}

		// Parse the start parameter manually
		startParam := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			startParam = parts[1]
		}

		user, err := b.getOrCreateUser(ctx.Context(), telegramID, message.From.Username)
		if err != nil {
			log.Printf("Failed to get/create user %d: %v", telegramID, err)
			return nil
		}

		if startParam != "" {
			b.Svc.AttributeReferral(ctx.Context(), user, startParam)
		}

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("Open WebApp").WithURL(b.Cfg.WebAppURL),
			),
		)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			"Welcome! Use the WebApp to manage your account.",
		).WithReplyMarkup(keyboard))
		return nil
	}, th.CommandEqual("start"))

	// /profile command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		user, err := b.getOrCreateUser(ctx.Context(), telegramID, message.From.Username)
		if err != nil {
			log.Printf("Failed to get/create user %d: %v", telegramID, err)
			return nil
		}

		username := user.Username
		if username == "" {
			username = "anonymous"
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("User: @%s\nBalance: %s\nRole: %s", username, user.Balance.StringFixed(2), user.Role),
		))
		return nil
	}, th.CommandEqual("profile"))

	// /tasks command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message

		var active []models.Task
		if err := b.DB.Where("is_active = ?", true).Find(&active).Error; err != nil {
			log.Printf("Failed to list tasks: %v", err)
			return nil
		}

		if len(active) == 0 {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "No active tasks."))
			return nil
		}

		lines := make([]string, 0, len(active))
		for _, task := range active {
			lines = append(lines, fmt.Sprintf("%s - %s", task.Title, task.Reward.StringFixed(2)))
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			"Active tasks:\n"+strings.Join(lines, "\n"),
		))
		return nil
	}, th.CommandEqual("tasks"))

	// /admin command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message

		if !b.Cfg.IsAdminID(message.From.ID) {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "Admin only."))
			return nil
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			"Open the WebApp to manage users.",
		))
		return nil
	}, th.CommandEqual("admin"))

	handler.Start()
}

func (b *Bot) getOrCreateUser(ctx context.Context, telegramID int64, username string) (*models.User, error) {
	var user models.User
	err := b.DB.WithContext(ctx).First(&user, telegramID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		role := "user"
		if b.Cfg.IsAdminID(telegramID) {
			role = "admin"
		}
		user = models.User{
			ID:           telegramID,
			Username:     username,
			Role:         role,
			RegisteredAt: time.Now().UTC(),
		}
		if err := b.DB.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return &user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// checkSubscription verifies membership in the required channel when one is
// configured.
func (b *Bot) checkSubscription(ctx context.Context, userID int64) bool {
	if b.Cfg.RequiredChannel == "" {
		return true
	}

	member, err := b.Instance.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: tu.Username(b.Cfg.RequiredChannel),
		UserID: userID,
	})
	if err != nil {
		log.Printf("Failed to check channel membership for %d: %v", userID, err)
		return false
	}

	switch member.MemberStatus() {
	case "member", "administrator", "creator":
		return true
	}
	return false
}
