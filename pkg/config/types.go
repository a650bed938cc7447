package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Context   ContextConfig   `yaml:"context"`
	Streaming StreamingConfig `yaml:"streaming"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
}

// ServerConfig holds http and storage settings.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RateLimitConfig configures both the HTTP per-caller limiter and the
// domain token buckets used for generation admission.
type RateLimitConfig struct {
	// HTTP admission (requests/second per caller).
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// Domain buckets (e.g. generation tokens per user).
	Buckets []BucketConfig `yaml:"buckets"`
	// Shards controls lock sharding of bucket state.
	Shards int `yaml:"shards"`
}

// BucketConfig defines a named token bucket applied per scope key.
type BucketConfig struct {
	Name     string   `yaml:"name"`
	Capacity float64  `yaml:"capacity"`
	// RefillPer is the interval over which Refill tokens are restored.
	Refill    float64  `yaml:"refill"`
	RefillPer Duration `yaml:"refill_per"`
}

// ContextConfig holds context assembly defaults.
type ContextConfig struct {
	RecentMessages int `yaml:"recent_messages"`
	SearchLimit    int `yaml:"search_limit"`
	// MessageRange expands each search hit with neighbors.
	RangeBefore int `yaml:"range_before"`
	RangeAfter  int `yaml:"range_after"`
	// TokenBudget caps the assembled window; 0 disables token capping.
	TokenBudget int `yaml:"token_budget"`
	// MaxMessages caps the assembled window by count.
	MaxMessages int `yaml:"max_messages"`
}

// StreamingConfig tunes the delta engine.
type StreamingConfig struct {
	// SubscriberBuffer is the bounded per-subscriber queue size. A
	// subscriber that falls this far behind is disconnected and must
	// resume from its last seen sequence.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// MaxFragmentBytes rejects absurd single fragments; 0 means no cap.
	MaxFragmentBytes SizeBytes `yaml:"max_fragment_bytes"`
}

// SweeperConfig controls the orphaned-pending-message sweeper.
type SweeperConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron schedule; empty means every five minutes.
	Cron string `yaml:"cron"`
	// MaxPending is the maximum lifetime of a pending message before the
	// sweeper finalizes it as failed.
	MaxPending Duration `yaml:"max_pending"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration wraps time.Duration with YAML parsing from strings like "100ms"
// or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
