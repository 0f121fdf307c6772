package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Channel is the subset of *websocket.Conn the registry needs. Tests plug in
// fakes; production code hands over the upgraded connection as-is.
type Channel interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// client serializes writes to a single channel. Gorilla connections do not
// support concurrent writers, and both NotifyBalance and PingAll may target
// the same channel at once.
type client struct {
	mu sync.Mutex
	ch Channel
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ch.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ch.WriteMessage(messageType, data)
}

// Registry tracks the live push channels per user and fans balance updates
// out to them. One instance is created at startup and shared by reference.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]map[Channel]*client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[int64]map[Channel]*client),
	}
}

// Connect registers a channel under userID. Registering the same channel
// twice is a no-op.
func (r *Registry) Connect(userID int64, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[userID]
	if !ok {
		set = make(map[Channel]*client)
		r.clients[userID] = set
	}
	if _, ok := set[ch]; !ok {
		set[ch] = &client{ch: ch}
	}
}

// Disconnect removes a channel. The user entry is dropped once its last
// channel is gone.
func (r *Registry) Disconnect(userID int64, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[userID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(r.clients, userID)
	}
}

// ConnectionCount reports the number of live channels for userID.
func (r *Registry) ConnectionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[userID])
}

type balancePayload struct {
	Balance string `json:"balance"`
}

// NotifyBalance delivers {"balance": value} to every channel registered for
// userID. Dead or slow channels are skipped; they get pruned by the read
// loop or the next ping sweep, never here.
func (r *Registry) NotifyBalance(userID int64, balance string) {
	payload, err := json.Marshal(balancePayload{Balance: balance})
	if err != nil {
		log.Printf("Failed to marshal balance payload: %v", err)
		return
	}

	r.mu.RLock()
	targets := make([]*client, 0, len(r.clients[userID]))
	for _, c := range r.clients[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			log.Printf("Failed to push balance to user %d: %v", userID, err)
		}
	}
}

// PingAll sends a ping control frame over every registered channel and
// prunes the ones that fail to take the write.
func (r *Registry) PingAll() {
	type entry struct {
		userID int64
		ch     Channel
		c      *client
	}

	r.mu.RLock()
	entries := make([]entry, 0)
	for userID, set := range r.clients {
		for ch, c := range set {
			entries = append(entries, entry{userID: userID, ch: ch, c: c})
		}
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if err := e.c.write(websocket.PingMessage, nil); err != nil {
			log.Printf("Pruning dead channel for user %d: %v", e.userID, err)
			r.Disconnect(e.userID, e.ch)
			_ = e.ch.Close()
		}
	}
}
