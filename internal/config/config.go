// Package config is the typed view of the viper-loaded configuration shared
// by the server and worker binaries.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Log struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Risk struct {
	MediumThreshold int
	HighThreshold   int
}

type Executor struct {
	Lane         string
	Concurrency  int
	MaxAttempts  int
	ExecTimeout  time.Duration
	StalledAfter time.Duration
	SweepEvery   time.Duration
}

type Notify struct {
	Type         string
	RedisStream  string
	KafkaBrokers []string
	KafkaTopic   string
}

type Telemetry struct {
	Enabled      bool
	CollectorURL string
	Environment  string
}

type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string
	Log         Log
	Risk        Risk
	Executor    Executor
	Notify      Notify
	Telemetry   Telemetry
}

// FromViper applies defaults and extracts the typed config.
func FromViper(v *viper.Viper) Config {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("risk.medium_threshold", 40)
	v.SetDefault("risk.high_threshold", 70)
	v.SetDefault("executor.lane", "action-executor")
	v.SetDefault("executor.concurrency", 8)
	v.SetDefault("executor.max_attempts", 3)
	v.SetDefault("executor.exec_timeout", "2m")
	v.SetDefault("executor.stalled_after", "5m")
	v.SetDefault("executor.sweep_every", "1m")
	v.SetDefault("notify.type", "log")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.environment", "dev")

	return Config{
		ListenAddr:  v.GetString("listen_addr"),
		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),
		Log: Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
		Risk: Risk{
			MediumThreshold: v.GetInt("risk.medium_threshold"),
			HighThreshold:   v.GetInt("risk.high_threshold"),
		},
		Executor: Executor{
			Lane:         v.GetString("executor.lane"),
			Concurrency:  v.GetInt("executor.concurrency"),
			MaxAttempts:  v.GetInt("executor.max_attempts"),
			ExecTimeout:  v.GetDuration("executor.exec_timeout"),
			StalledAfter: v.GetDuration("executor.stalled_after"),
			SweepEvery:   v.GetDuration("executor.sweep_every"),
		},
		Notify: Notify{
			Type:         v.GetString("notify.type"),
			RedisStream:  v.GetString("notify.redis_stream"),
			KafkaBrokers: v.GetStringSlice("notify.kafka_brokers"),
			KafkaTopic:   v.GetString("notify.kafka_topic"),
		},
		Telemetry: Telemetry{
			Enabled:      v.GetBool("telemetry.enabled"),
			CollectorURL: v.GetString("telemetry.collector_url"),
			Environment:  v.GetString("telemetry.environment"),
		},
	}
}
