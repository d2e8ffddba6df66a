// Package config loads the operator configuration.
//
// Values are resolved with the following priority:
//  1. command line flags (Options)
//  2. TELEOP_* environment variables
//  3. the YAML config file, if one is given
//  4. defaults
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSignalingURL       = "ws://localhost:8080/ws"
	DefaultAPIURL             = "http://localhost:8081"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 20 * time.Second
	DefaultLogLevel           = "info"

	EnvConfigFile         = "TELEOP_CONFIG"
	EnvSignalingURL       = "TELEOP_SIGNALING_URL"
	EnvAPIURL             = "TELEOP_API_URL"
	EnvRoom               = "TELEOP_ROOM"
	EnvSTUNServers        = "TELEOP_STUN_SERVERS"
	EnvNegotiationTimeout = "TELEOP_NEGOTIATION_TIMEOUT"
	EnvLogLevel           = "TELEOP_LOG_LEVEL"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// SignalingURL is the relay websocket endpoint.
	SignalingURL string `yaml:"signaling_url"`
	// APIURL is the relay introspection API base URL.
	APIURL string `yaml:"api_url"`
	// Room is the default room to join.
	Room string `yaml:"room"`
	// STUNServers used for the server-reflexive candidate lookup.
	STUNServers        []string      `yaml:"stun_servers"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	LogLevel           string        `yaml:"log_level"`
}

// Options carries values set on the command line. Zero values are unset.
type Options struct {
	File               string
	SignalingURL       string
	APIURL             string
	Room               string
	STUNServers        []string
	NegotiationTimeout time.Duration
	LogLevel           string
}

func Load(opts Options) (*Config, error) {
	cfg := &Config{
		SignalingURL:       DefaultSignalingURL,
		APIURL:             DefaultAPIURL,
		STUNServers:        []string{DefaultSTUN},
		NegotiationTimeout: DefaultNegotiationTimeout,
		LogLevel:           DefaultLogLevel,
	}

	file := firstNonEmpty(opts.File, os.Getenv(EnvConfigFile))
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	cfg.apply(opts)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) loadEnv() error {
	cfg.SignalingURL = firstNonEmpty(os.Getenv(EnvSignalingURL), cfg.SignalingURL)
	cfg.APIURL = firstNonEmpty(os.Getenv(EnvAPIURL), cfg.APIURL)
	cfg.Room = firstNonEmpty(os.Getenv(EnvRoom), cfg.Room)
	cfg.LogLevel = firstNonEmpty(os.Getenv(EnvLogLevel), cfg.LogLevel)

	if v := os.Getenv(EnvSTUNServers); v != "" {
		cfg.STUNServers = splitList(v)
	}
	if v := os.Getenv(EnvNegotiationTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvNegotiationTimeout, err)
		}
		cfg.NegotiationTimeout = d
	}
	return nil
}

func (cfg *Config) apply(opts Options) {
	cfg.SignalingURL = firstNonEmpty(opts.SignalingURL, cfg.SignalingURL)
	cfg.APIURL = firstNonEmpty(opts.APIURL, cfg.APIURL)
	cfg.Room = firstNonEmpty(opts.Room, cfg.Room)
	cfg.LogLevel = firstNonEmpty(opts.LogLevel, cfg.LogLevel)
	if len(opts.STUNServers) > 0 {
		cfg.STUNServers = opts.STUNServers
	}
	if opts.NegotiationTimeout > 0 {
		cfg.NegotiationTimeout = opts.NegotiationTimeout
	}
}

func (cfg *Config) validate() error {
	u, err := url.Parse(cfg.SignalingURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: signaling url %q must be ws:// or wss://", ErrInvalidConfig, cfg.SignalingURL)
	}
	u, err = url.Parse(cfg.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api url %q must be http:// or https://", ErrInvalidConfig, cfg.APIURL)
	}
	if cfg.NegotiationTimeout <= 0 {
		return fmt.Errorf("%w: negotiation timeout must be positive", ErrInvalidConfig)
	}
	if _, err = zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level returns the parsed log level; Load has already validated it.
func (cfg *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
