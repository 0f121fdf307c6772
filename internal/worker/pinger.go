package worker

import (
	"log"
	"time"

	"taskhub-bot/internal/ws"
)

// Pinger periodically sweeps the connection registry, pinging every live
// push channel so half-open ones get detected and pruned instead of holding
// their slot forever.
type Pinger struct {
	Registry *ws.Registry
	Interval time.Duration
}

func NewPinger(registry *ws.Registry, interval time.Duration) *Pinger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Pinger{
		Registry: registry,
		Interval: interval,
	}
}

func (p *Pinger) Start() {
	ticker := time.NewTicker(p.Interval)
	log.Println("Background connection sweeper started")

	for range ticker.C {
		p.Registry.PingAll()
	}
}
