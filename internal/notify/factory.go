package notify

import (
	"log/slog"
	"strings"
)

// Config selects and parameterizes the notification sink.
type Config struct {
	Type         string // log|redis|kafka|noop
	RedisURL     string
	RedisStream  string
	KafkaBrokers []string
	KafkaTopic   string
}

// New builds a Notifier from config. Unknown or broken sinks degrade to the
// log notifier rather than failing startup: notifications are best-effort.
func New(cfg Config, logger *slog.Logger) Notifier {
	switch strings.ToLower(cfg.Type) {
	case "redis":
		n, err := NewRedis(cfg.RedisURL, cfg.RedisStream, 0)
		if err != nil {
			logger.Warn("redis notifier unavailable, using log sink", slog.String("err", err.Error()))
			return NewLog(logger)
		}
		return n
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "noop":
		return NewNoop()
	default:
		return NewLog(logger)
	}
}
