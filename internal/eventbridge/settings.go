package eventbridge

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/config"
)

const (
	// DefaultHost is the loopback interface used when no host override is provided.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the default TCP port for the bridge server.
	DefaultPort = 8765
	// DefaultMaxBodyBytes limits ingest payloads to 1 MB.
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
)

// Settings captures runtime configuration for the HTTP event bridge server.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// SubscriberCapacity and BacklogLimit tune the live Router.
	SubscriberCapacity int
	BacklogLimit       int
}

// DefaultSettings returns loopback settings with every limit at its default.
func DefaultSettings() Settings {
	return Settings{
		Enabled:            true,
		Host:               DefaultHost,
		Port:               DefaultPort,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		ReadTimeout:        DefaultReadTimeout,
		WriteTimeout:       DefaultWriteTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		SubscriberCapacity: defaultSubscriberCapacity,
		BacklogLimit:       defaultBacklogLimit,
	}
}

// SettingsFromConfig builds Settings from the event_bridge section of the
// project config, then applies LATTICE_BRIDGE_* environment overrides.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := DefaultSettings()
	if cfg != nil {
		raw := cfg.Project.EventBridge
		if raw.Enabled != nil {
			settings.Enabled = *raw.Enabled
		}
		if host := strings.TrimSpace(raw.Host); host != "" {
			settings.Host = host
		}
		if isValidPort(raw.Port) {
			settings.Port = raw.Port
		}
	}
	settings.applyEnvOverrides(os.LookupEnv)
	settings.normalize()
	return settings
}

// RouterOptions translates the router tuning into options for NewRouter.
func (s Settings) RouterOptions() []RouterOption {
	return []RouterOption{
		RouterWithSubscriberCapacity(s.SubscriberCapacity),
		RouterWithBacklogLimit(s.BacklogLimit),
	}
}

func (s *Settings) applyEnvOverrides(lookup func(string) (string, bool)) {
	get := func(key string) string {
		value, _ := lookup(config.EnvPrefix + key)
		return strings.TrimSpace(value)
	}
	if value := get("BRIDGE_ENABLED"); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			s.Enabled = enabled
		}
	}
	if host := get("BRIDGE_HOST"); host != "" {
		s.Host = host
	}
	if port := get("BRIDGE_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && isValidPort(parsed) {
			s.Port = parsed
		}
	}
	if value := get("BRIDGE_SUBSCRIBER_CAPACITY"); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			s.SubscriberCapacity = parsed
		}
	}
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if !isValidPort(s.Port) {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.SubscriberCapacity <= 0 {
		s.SubscriberCapacity = defaultSubscriberCapacity
	}
	if s.BacklogLimit <= 0 {
		s.BacklogLimit = defaultBacklogLimit
	}
}

// Address returns the TCP bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}
