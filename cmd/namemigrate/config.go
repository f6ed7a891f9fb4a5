package main

import "os"

type config struct {
	BackendURL     string // Required: base URL of the hosted backend project
	ServiceRoleKey string // Required: service-role key; row policies do not apply to it
	DatabaseURL    string // Optional: direct database URL; enables applying DDL and SQL verification

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

func loadConfig() config {
	return config{
		BackendURL:     os.Getenv("GROUPBOOK_BACKEND_URL"),
		ServiceRoleKey: os.Getenv("GROUPBOOK_SERVICE_ROLE_KEY"),
		DatabaseURL:    os.Getenv("GROUPBOOK_DATABASE_URL"),
		Env:            getEnvOrDefault("ENV", "dev"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
