package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/orderflow/runtime/dialog/session"
)

// Config holds the server configuration. Values come from defaults, then the
// optional YAML config file, then explicitly set command line flags.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// RedisAddr enables the Pulse session event feed when set.
	RedisAddr string `yaml:"redis_addr"`
	// MongoURI enables the durable session store when set.
	MongoURI string `yaml:"mongo_uri"`
	// MongoDatabase is the database holding session documents.
	MongoDatabase string `yaml:"mongo_database"`
	// Classifier selects the intent classifier: rules, openai or anthropic.
	Classifier string `yaml:"classifier"`
	// Model is the model identifier for the LLM classifiers.
	Model string `yaml:"model"`
	// SessionTimeout is the session inactivity window.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// SweepInterval is how often expired sessions are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Debug enables debug logs.
	Debug bool `yaml:"debug"`
}

const (
	classifierRules     = "rules"
	classifierOpenAI    = "openai"
	classifierAnthropic = "anthropic"
)

func defaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MongoDatabase:  "orderflow",
		Classifier:     classifierRules,
		SessionTimeout: session.DefaultIdleTimeout,
		SweepInterval:  session.DefaultSweepInterval,
	}
}

// parseConfig resolves the configuration from args. Flags that were set on
// the command line win over the config file; the file wins over defaults.
func parseConfig(args []string) (Config, error) {
	base := defaultConfig()
	cfg := base

	fs := flag.NewFlagSet("orderflow", flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "config", "", "path to YAML config file")
	fs.StringVar(&cfg.Addr, "addr", base.Addr, "HTTP listen address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", base.RedisAddr, "Redis address for the Pulse event feed (disabled when empty)")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", base.MongoURI, "MongoDB URI for durable sessions (in-memory when empty)")
	fs.StringVar(&cfg.MongoDatabase, "mongo-db", base.MongoDatabase, "MongoDB database name")
	fs.StringVar(&cfg.Classifier, "classifier", base.Classifier, "intent classifier: rules, openai or anthropic")
	fs.StringVar(&cfg.Model, "model", base.Model, "model identifier for the LLM classifiers")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", base.SessionTimeout, "session inactivity window")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", base.SweepInterval, "expired session sweep interval")
	fs.BoolVar(&cfg.Debug, "debug", base.Debug, "log request and response payloads")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if path != "" {
		fileCfg, err := loadConfigFile(path, base)
		if err != nil {
			return Config{}, err
		}
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		cfg = merge(fileCfg, cfg, set)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadConfigFile decodes path over base so keys absent from the file keep
// their defaults.
func loadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return base, nil
}

// merge overlays the flag values that were explicitly set onto the file
// configuration.
func merge(file, flags Config, set map[string]bool) Config {
	cfg := file
	if set["addr"] {
		cfg.Addr = flags.Addr
	}
	if set["redis-addr"] {
		cfg.RedisAddr = flags.RedisAddr
	}
	if set["mongo-uri"] {
		cfg.MongoURI = flags.MongoURI
	}
	if set["mongo-db"] {
		cfg.MongoDatabase = flags.MongoDatabase
	}
	if set["classifier"] {
		cfg.Classifier = flags.Classifier
	}
	if set["model"] {
		cfg.Model = flags.Model
	}
	if set["session-timeout"] {
		cfg.SessionTimeout = flags.SessionTimeout
	}
	if set["sweep-interval"] {
		cfg.SweepInterval = flags.SweepInterval
	}
	if set["debug"] {
		cfg.Debug = flags.Debug
	}
	return cfg
}

func (c Config) validate() error {
	switch c.Classifier {
	case classifierRules:
	case classifierOpenAI, classifierAnthropic:
		if c.Model == "" {
			return fmt.Errorf("classifier %s requires -model", c.Classifier)
		}
	default:
		return fmt.Errorf("unknown classifier %q", c.Classifier)
	}
	if c.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive, got %s", c.SessionTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MongoURI != "" && c.MongoDatabase == "" {
		return fmt.Errorf("mongo database name is required when a mongo URI is set")
	}
	return nil
}
