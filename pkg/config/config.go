package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither file, env nor flags provide a value.
const (
	DefaultAddress = "127.0.0.1"
	DefaultPort    = 8080
	DefaultDBPath  = "./weft-data"
)

// Effective is the merged configuration plus the resolved listen address
// and storage path.
type Effective struct {
	Config Config
	Addr   string
	DBPath string
	// Source records where addr/db came from: "flags", "env" or "config".
	Source string
}

// Load reads the YAML config file at path. A missing path yields a zero
// Config so env/flags/defaults can fill everything in.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		applyDefaults(&cfg)
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = DefaultAddress
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.RateLimit.Shards <= 0 {
		cfg.RateLimit.Shards = 16
	}
	if cfg.Context.RecentMessages == 0 {
		cfg.Context.RecentMessages = 100
	}
	if cfg.Context.SearchLimit == 0 {
		cfg.Context.SearchLimit = 10
	}
	if cfg.Context.MaxMessages == 0 {
		cfg.Context.MaxMessages = 200
	}
	if cfg.Streaming.SubscriberBuffer <= 0 {
		cfg.Streaming.SubscriberBuffer = 256
	}
	if cfg.Sweeper.MaxPending <= 0 {
		cfg.Sweeper.MaxPending = Duration(10 * time.Minute)
	}
}

// LoadEffective merges config file and environment. Env vars WEFT_ADDR and
// WEFT_DB_PATH override the file; explicit flags override both (handled by
// the caller, which knows which flags were set).
func LoadEffective(path string) (Effective, error) {
	cfg, err := Load(path)
	if err != nil {
		return Effective{}, err
	}
	eff := Effective{Config: cfg, Source: "config"}
	eff.Addr = net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port))
	eff.DBPath = cfg.Server.DBPath

	if v := os.Getenv("WEFT_ADDR"); v != "" {
		eff.Addr = v
		eff.Source = "env"
	}
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		eff.DBPath = v
		eff.Source = "env"
	}
	return eff, nil
}

// ResolveConfigPath picks the config file path: explicit flag wins, then
// WEFT_CONFIG, then a conventional default if the file exists.
func ResolveConfigPath(flagVal string, flagSet bool) string {
	if flagSet {
		return flagVal
	}
	if v := os.Getenv("WEFT_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("weft.yaml"); err == nil {
		return "weft.yaml"
	}
	return ""
}
