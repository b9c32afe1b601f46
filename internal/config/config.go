package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr                string
	DatabaseURL         string
	UseMemoryStore      bool
	SubmitWindow        time.Duration
	ReviewWindow        time.Duration
	OpenChannelOnCreate bool
	ClearnodeURL        string
	CronSecret          string
	KafkaBrokers        []string
	KafkaTopic          string
	ReconBucket         string
	ReconPrefix         string
}

const (
	defaultAddr         = ":8070"
	defaultSubmitWindow = 72 * time.Hour
	defaultReviewWindow = 24 * time.Hour
	defaultKafkaTopic   = "clawork.bounty-events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                getEnv("CLAWORK_ADDR", defaultAddr),
		DatabaseURL:         firstNonEmpty(os.Getenv("CLAWORK_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		UseMemoryStore:      getBool("CLAWORK_USE_MEMORY_STORE", false),
		SubmitWindow:        getDuration("CLAWORK_SUBMIT_WINDOW", defaultSubmitWindow),
		ReviewWindow:        getDuration("CLAWORK_REVIEW_WINDOW", defaultReviewWindow),
		OpenChannelOnCreate: getBool("CLAWORK_OPEN_CHANNEL_ON_CREATE", false),
		ClearnodeURL:        os.Getenv("CLAWORK_CLEARNODE_URL"),
		CronSecret:          os.Getenv("CLAWORK_CRON_SECRET"),
		KafkaBrokers:        splitList(os.Getenv("CLAWORK_KAFKA_BROKERS")),
		KafkaTopic:          getEnv("CLAWORK_KAFKA_TOPIC", defaultKafkaTopic),
		ReconBucket:         os.Getenv("CLAWORK_RECON_BUCKET"),
		ReconPrefix:         os.Getenv("CLAWORK_RECON_PREFIX"),
	}
	if cfg.DatabaseURL == "" && !cfg.UseMemoryStore {
		return Config{}, fmt.Errorf("DATABASE_URL or CLAWORK_DATABASE_URL required (or set CLAWORK_USE_MEMORY_STORE=true)")
	}
	if os.Getenv("NODE_ENV") == "production" && cfg.CronSecret == "" {
		return Config{}, fmt.Errorf("CLAWORK_CRON_SECRET required in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
