package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser          string
	DBPassword      string
	DBName          string
	DBHost          string
	DBPort          string
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	BotToken        string
	AdminIDs        []int64
	ListenAddr      string
	WebAppURL       string
	RequiredChannel string
	RateLimitWindow int // seconds
	RateLimitMax    int
	TrustedProxies  []string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "taskhub_bot"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:        parseIDList(getEnv("ADMIN_IDS", "")),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		WebAppURL:       getEnv("WEBAPP_URL", ""),
		RequiredChannel: getEnv("REQUIRED_CHANNEL", ""),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 60),
		TrustedProxies:  parseList(getEnv("TRUSTED_PROXIES", "")),
	}
}

func (c *Config) IsAdminID(id int64) bool {
	for _, adminID := range c.AdminIDs {
		if adminID == id {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s, using default %d", key, fallback)
	}
	return fallback
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDList(raw string) []int64 {
	var out []int64
	for _, part := range parseList(raw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid admin id %q", part)
			continue
		}
		out = append(out, id)
	}
	return out
}
