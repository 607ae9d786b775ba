package crawler

import (
	"strings"
	"time"

	appconfig "github.com/certa-labs/certa/pkg/config"
)

const (
	DefaultMaxRequests    = 250
	DefaultParallelism    = 5
	DefaultRequestTimeout = 20 * time.Second
	DefaultRetries        = 1
	DefaultUserAgent      = "CertaBot/1.0 (+https://certa-labs.github.io/bot)"
)

// DefaultRegions are the page areas whose links are followed and whose text
// is captured separately.
var DefaultRegions = []string{"nav", "footer"}

// Options configure a crawl.
type Options struct {
	MaxRequests    int
	Parallelism    int
	RequestTimeout time.Duration
	// Retries is the number of extra attempts after a transport error.
	Retries       int
	UserAgent     string
	RespectRobots bool
	Regions       []string
}

// FromAppConfig maps the application crawler section onto Options.
func FromAppConfig(cfg *appconfig.CrawlerConfig) Options {
	if cfg == nil {
		return Options{}.withDefaults()
	}
	return Options{
		MaxRequests:    cfg.MaxRequests,
		Parallelism:    cfg.Parallelism,
		RequestTimeout: cfg.RequestTimeout,
		Retries:        cfg.Retries,
		UserAgent:      cfg.UserAgent,
		RespectRobots:  cfg.RespectRobots,
		Regions:        cfg.Regions,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.MaxRequests <= 0 {
		o.MaxRequests = DefaultMaxRequests
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if strings.TrimSpace(o.UserAgent) == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Regions == nil {
		o.Regions = DefaultRegions
	}
	return o
}
