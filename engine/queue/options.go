package queue

import (
	"time"

	appconfig "github.com/certa-labs/certa/pkg/config"
)

const (
	DefaultName            = "compliance-checks"
	DefaultLockDuration    = 60 * time.Second
	DefaultStalledInterval = 60 * time.Second
	DefaultMaxStalledCount = 2
	DefaultPollTimeout     = 5 * time.Second
)

// Options configures a queue and the workers consuming it.
type Options struct {
	Name            string
	LockDuration    time.Duration
	Concurrency     int
	LimiterMax      int
	LimiterDuration time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	Attempts        int
	PollTimeout     time.Duration
}

// FromAppConfig maps the queue section of the application config.
func FromAppConfig(cfg *appconfig.QueueConfig) Options {
	if cfg == nil {
		return Options{}.withDefaults()
	}
	return Options{
		Name:            cfg.Name,
		LockDuration:    cfg.LockDuration,
		Concurrency:     cfg.Concurrency,
		LimiterMax:      cfg.LimiterMax,
		LimiterDuration: cfg.LimiterDuration,
		StalledInterval: cfg.StalledInterval,
		MaxStalledCount: cfg.MaxStalledCount,
		Attempts:        cfg.Attempts,
		PollTimeout:     cfg.PollTimeout,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = DefaultStalledInterval
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.LimiterMax > 0 && o.LimiterDuration <= 0 {
		o.LimiterDuration = time.Second
	}
	return o
}
