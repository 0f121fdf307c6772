package ws

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"taskhub-bot/internal/models"
	"taskhub-bot/internal/tgauth"
)

// Handler upgrades push-channel requests and keeps the registry in sync with
// connection lifecycle.
type Handler struct {
	DB       *gorm.DB
	Registry *Registry
	BotToken string
	upgrader websocket.Upgrader
}

func NewHandler(db *gorm.DB, registry *Registry, botToken string) *Handler {
	return &Handler{
		DB:       db,
		Registry: registry,
		BotToken: botToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The mini-app is served from a separate origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeUser handles GET /ws/user/{id}. The init data travels as a query
// parameter; a token that is missing, invalid or bound to a different user
// closes the socket with a policy-violation code.
func (h *Handler) ServeUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	if !h.authorize(r.URL.Query().Get("initData"), userID) {
		closePolicyViolation(conn)
		return
	}

	h.Registry.Connect(userID, conn)
	h.readLoop(userID, conn)
}

func (h *Handler) authorize(initData string, userID int64) bool {
	values, err := tgauth.Validate(initData, h.BotToken)
	if err != nil {
		return false
	}
	user, err := tgauth.ParseUser(values["user"])
	if err != nil || user.ID != userID {
		return false
	}

	var stored models.User
	if err := h.DB.First(&stored, userID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Failed to load user %d for websocket auth: %v", userID, err)
		}
		return false
	}
	return !stored.IsBanned
}

// readLoop drains inbound frames until the peer goes away, then releases the
// registry slot. The client never sends anything we act on; reading is only
// how we learn about disconnects.
func (h *Handler) readLoop(userID int64, conn *websocket.Conn) {
	defer func() {
		h.Registry.Disconnect(userID, conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closePolicyViolation(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
