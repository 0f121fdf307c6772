package main

import (
	"log"
	"net/http"
	"time"

	"taskhub-bot/internal/api"
	"taskhub-bot/internal/bot"
	"taskhub-bot/internal/config"
	"taskhub-bot/internal/database"
	"taskhub-bot/internal/tasks"
	"taskhub-bot/internal/worker"
	"taskhub-bot/internal/ws"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	// Connect to Database
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}
	if err := database.SeedTasks(db); err != nil {
		log.Fatalf("Could not seed tasks: %v", err)
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	// One registry instance shared by everything that pushes balances
	registry := ws.NewRegistry()
	svc := tasks.NewService(db, registry)
	limiter := api.NewLimiter(rdb, cfg.RateLimitWindow, cfg.RateLimitMax)
	wsHandler := ws.NewHandler(db, registry, cfg.BotToken)
	server := api.NewServer(cfg, db, limiter, svc, wsHandler)

	tgBot, err := bot.NewBot(cfg, db, svc)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}
	go tgBot.Start()

	sweeper := worker.NewPinger(registry, 30*time.Second)
	go sweeper.Start()

	log.Printf("HTTP API listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.Routes()); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
