package main

import (
	"os"
	"strconv"
	"time"

	"github.com/basket/meridian/internal/otelx"
)

// daemonConfig is the process-level configuration for meridiand, entirely
// env-var driven (no config.yaml of its own — that's the Configuration
// Registry's job, loaded separately from descriptorDir).
type daemonConfig struct {
	homeDir       string
	descriptorDir string
	bindAddr      string
	redisURL      string
	slackToken    string
	slackChannel  string
	logLevel      string
	quietLogs     bool

	supervisorInterval time.Duration
	schedulerInterval  time.Duration
	shutdownDrain      time.Duration

	otel otelx.Config
}

func loadDaemonConfig() daemonConfig {
	home := getenv("MERIDIAN_HOME", defaultHome())
	return daemonConfig{
		homeDir:       home,
		descriptorDir: getenv("MERIDIAN_DESCRIPTOR_DIR", home+"/agents"),
		bindAddr:      getenv("MERIDIAN_BIND_ADDR", "127.0.0.1:8090"),
		redisURL:      os.Getenv("MERIDIAN_REDIS_URL"),
		slackToken:    os.Getenv("MERIDIAN_SLACK_TOKEN"),
		slackChannel:  os.Getenv("MERIDIAN_SLACK_CHANNEL"),
		logLevel:      getenv("MERIDIAN_LOG_LEVEL", "info"),
		quietLogs:     os.Getenv("MERIDIAN_QUIET_LOGS") == "true",

		supervisorInterval: durationEnv("MERIDIAN_SUPERVISOR_INTERVAL_SECONDS", 30*time.Second),
		schedulerInterval:  durationEnv("MERIDIAN_SCHEDULER_INTERVAL_SECONDS", 10*time.Second),
		shutdownDrain:      durationEnv("MERIDIAN_SHUTDOWN_DRAIN_SECONDS", 30*time.Second),

		otel: otelx.Config{
			Enabled:     os.Getenv("MERIDIAN_OTEL_ENABLED") == "true",
			Exporter:    getenv("MERIDIAN_OTEL_EXPORTER", "none"),
			Endpoint:    os.Getenv("MERIDIAN_OTEL_ENDPOINT"),
			ServiceName: "meridian",
		},
	}
}

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.meridian"
	}
	return ".meridian"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
