// Package config loads call service settings from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opd-ai/peercall/peer"
)

// Config is the full call service configuration.
type Config struct {
	Signaling SignalingParams
	ICE       ICEParams
	Call      CallParams
}

// SignalingParams selects and configures the signaling store backend.
type SignalingParams struct {
	// Backend is "memory" or "valkey".
	Backend  string
	Address  string
	Password string
}

// ICEParams lists the STUN and TURN servers handed to peer links.
type ICEParams struct {
	Servers []ICEServerParams
}

// ICEServerParams is one STUN or TURN endpoint.
type ICEServerParams struct {
	URLs       []string
	Username   string
	Credential string
}

// CallParams tunes the call lifecycle timers.
type CallParams struct {
	RingTimeout    time.Duration
	AnswerTimeout  time.Duration
	RetryBaseDelay time.Duration
	MaxRetries     int
	StatsInterval  time.Duration
}

// Load reads the config file at path, applying PEERCALL_* environment
// overrides and defaults for everything left unset.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("PEERCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{
		Signaling: SignalingParams{
			Backend:  v.GetString("signaling.backend"),
			Address:  v.GetString("signaling.address"),
			Password: v.GetString("signaling.password"),
		},
		Call: CallParams{
			RingTimeout:    v.GetDuration("call.ring_timeout"),
			AnswerTimeout:  v.GetDuration("call.answer_timeout"),
			RetryBaseDelay: v.GetDuration("call.retry_base_delay"),
			MaxRetries:     v.GetInt("call.max_retries"),
			StatsInterval:  v.GetDuration("call.stats_interval"),
		},
	}

	var servers []ICEServerParams
	if err := v.UnmarshalKey("ice.servers", &servers); err != nil {
		return nil, fmt.Errorf("failed to parse ICE servers: %w", err)
	}
	cfg.ICE.Servers = servers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signaling.backend", "memory")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.answer_timeout", "15s")
	v.SetDefault("call.retry_base_delay", "1500ms")
	v.SetDefault("call.max_retries", 3)
	v.SetDefault("call.stats_interval", "3s")
}

// Validate rejects settings the call service cannot run with.
func (c *Config) Validate() error {
	switch c.Signaling.Backend {
	case "memory":
	case "valkey":
		if c.Signaling.Address == "" {
			return fmt.Errorf("signaling address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("signaling backend is invalid: %s. try memory/valkey instead", c.Signaling.Backend)
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("ring_timeout must be positive")
	}
	if c.Call.AnswerTimeout <= 0 {
		return fmt.Errorf("answer_timeout must be positive")
	}
	if c.Call.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry_base_delay must be positive")
	}
	if c.Call.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ICE server %d has no URLs", i)
		}
	}
	return nil
}

// PeerConfig converts the ICE settings into the peer package form; the
// public STUN default applies when no servers are configured.
func (c *Config) PeerConfig() peer.Config {
	if len(c.ICE.Servers) == 0 {
		return peer.DefaultConfig()
	}
	out := peer.Config{ICEServers: make([]peer.ICEServer, 0, len(c.ICE.Servers))}
	for _, s := range c.ICE.Servers {
		out.ICEServers = append(out.ICEServers, peer.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
