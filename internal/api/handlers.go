package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"taskhub-bot/internal/models"
	"taskhub-bot/internal/tasks"
	"taskhub-bot/internal/tgauth"
)

const initDataHeader = "X-Telegram-Init-Data"

type authPayload struct {
	InitData string `json:"initData"`
}

type banPayload struct {
	IsBanned bool `json:"is_banned"`
}

type userOut struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	Balance      string    `json:"balance"`
	ReferrerID   *int64    `json:"referrer_id"`
	Role         string    `json:"role"`
	RegisteredAt time.Time `json:"registered_at"`
	IsBanned     bool      `json:"is_banned"`
}

func newUserOut(u *models.User) userOut {
	return userOut{
		ID:           u.ID,
		Username:     u.Username,
		Balance:      u.Balance.StringFixed(2),
		ReferrerID:   u.ReferrerID,
		Role:         u.Role,
		RegisteredAt: u.RegisteredAt,
		IsBanned:     u.IsBanned,
	}
}

// sessionUser runs the session gate against the init data header and writes
// the failure response itself. The bool reports whether the caller may
// proceed.
func (s *Server) sessionUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, err := s.authenticate(r.Context(), r.Header.Get(initDataHeader))
	if err != nil {
		switch {
		case errors.Is(err, tgauth.ErrInvalidInitData):
			writeError(w, http.StatusForbidden, "Invalid init data")
		case errors.Is(err, ErrNotRegistered):
			writeError(w, http.StatusForbidden, "User not registered")
		case errors.Is(err, ErrBanned):
			writeError(w, http.StatusForbidden, "User is banned")
		default:
			log.Printf("Session gate failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return nil, false
	}
	return user, true
}

// handleAuth registers or refreshes the caller. Unlike every other route the
// registration path creates the user on first valid init data, attributing a
// referral from the start parameter.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var payload authPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Bad request")
		return
	}

	values, err := tgauth.Validate(payload.InitData, s.cfg.BotToken)
	if err != nil {
		writeError(w, http.StatusForbidden, "Invalid init data")
		return
	}
	descriptor, err := tgauth.ParseUser(values["user"])
	if err != nil {
		writeError(w, http.StatusForbidden, "Invalid init data")
		return
	}

	ctx := r.Context()
	var user models.User
	err = s.db.WithContext(ctx).First(&user, descriptor.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		role := "user"
		if s.cfg.IsAdminID(descriptor.ID) {
			role = "admin"
		}
		user = models.User{
			ID:           descriptor.ID,
			Username:     descriptor.Username,
			Role:         role,
			RegisteredAt: time.Now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			log.Printf("Failed to create user %d: %v", descriptor.ID, err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		s.svc.AttributeReferral(ctx, &user, values["start_param"])
	case err != nil:
		log.Printf("Failed to load user %d: %v", descriptor.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	default:
		if user.IsBanned {
			writeError(w, http.StatusForbidden, "User is banned")
			return
		}
		if descriptor.Username != "" && user.Username != descriptor.Username {
			if err := s.db.WithContext(ctx).Model(&user).Update("username", descriptor.Username).Error; err != nil {
				log.Printf("Failed to sync username for user %d: %v", user.ID, err)
			} else {
				user.Username = descriptor.Username
			}
		}
	}

	writeJSON(w, http.StatusOK, newUserOut(&user))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.sessionUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newUserOut(user))
}

type taskOut struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Reward    string `json:"reward"`
	Completed bool   `json:"completed"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	user, ok := s.sessionUser(w, r)
	if !ok {
		return
	}

	var active []models.Task
	if err := s.db.WithContext(r.Context()).Where("is_active = ?", true).Find(&active).Error; err != nil {
		log.Printf("Failed to list tasks: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var completedIDs []int64
	if err := s.db.WithContext(r.Context()).Model(&models.UserTask{}).
		Where("user_id = ? AND completed = ?", user.ID, true).
		Pluck("task_id", &completedIDs).Error; err != nil {
		log.Printf("Failed to list completed tasks for user %d: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	completed := make(map[int64]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	out := make([]taskOut, 0, len(active))
	for _, task := range active {
		out = append(out, taskOut{
			ID:        task.ID,
			Title:     task.Title,
			Reward:    task.Reward.StringFixed(2),
			Completed: completed[task.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	user, ok := s.sessionUser(w, r)
	if !ok {
		return
	}

	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task id")
		return
	}

	result, err := s.svc.CompleteTask(r.Context(), user.ID, taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		log.Printf("Failed to complete task %d for user %d: %v", taskID, user.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(result.Status),
		"balance": result.Balance.StringFixed(2),
	})
}

type referralOut struct {
	ID         int64 `json:"id"`
	ReferredID int64 `json:"referred_id"`
	RewardPaid bool  `json:"reward_paid"`
}

func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	user, ok := s.sessionUser(w, r)
	if !ok {
		return
	}

	var rows []models.Referral
	if err := s.db.WithContext(r.Context()).Where("referrer_id = ?", user.ID).Find(&rows).Error; err != nil {
		log.Printf("Failed to list referrals for user %d: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]referralOut, 0, len(rows))
	for _, row := range rows {
		out = append(out, referralOut{ID: row.ID, ReferredID: row.ReferredID, RewardPaid: row.RewardPaid})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) adminUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := s.sessionUser(w, r)
	if !ok {
		return nil, false
	}
	if !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin only")
		return nil, false
	}
	return user, true
}

type adminUserOut struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Balance  string `json:"balance"`
	Role     string `json:"role"`
	IsBanned bool   `json:"is_banned"`
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminUser(w, r); !ok {
		return
	}

	var users []models.User
	if err := s.db.WithContext(r.Context()).Order("id").Find(&users).Error; err != nil {
		log.Printf("Failed to list users: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]adminUserOut, 0, len(users))
	for _, u := range users {
		out = append(out, adminUserOut{
			ID:       u.ID,
			Username: u.Username,
			Balance:  u.Balance.StringFixed(2),
			Role:     u.Role,
			IsBanned: u.IsBanned,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.adminUser(w, r); !ok {
		return
	}

	targetID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	var payload banPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Bad request")
		return
	}

	var target models.User
	if err := s.db.WithContext(r.Context()).First(&target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("Failed to load user %d: %v", targetID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := s.db.WithContext(r.Context()).Model(&target).Update("is_banned", payload.IsBanned).Error; err != nil {
		log.Printf("Failed to update ban flag for user %d: %v", targetID, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": target.ID, "is_banned": payload.IsBanned})
}
