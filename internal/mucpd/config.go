package mucpd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/mucp/internal/upnp/didl"
	"github.com/mikey-austin/mucp/pkg/cp"
)

// Config is the top-level configuration for mucpd.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Control   ControlConfig   `toml:"control"`
	Quirks    QuirksConfig    `toml:"quirks"`
	Modules   ModulesConfig   `toml:"modules"`
}

// ServerConfig defines shared server settings.
type ServerConfig struct {
	Broker    string     `toml:"broker"`
	Identity  string     `toml:"identity"`
	TopicBase string     `toml:"topic_base"`
	LogLevel  string     `toml:"log_level"`
	LogFormat string     `toml:"log_format"`
	LogOutput string     `toml:"log_output"`
	LogSource bool       `toml:"log_source"`
	LogUTC    bool       `toml:"log_utc"`
	TLS       TLSConfig  `toml:"tls"`
	Auth      AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// DiscoveryConfig controls SSDP and description fetching.
type DiscoveryConfig struct {
	SearchOnStart              bool   `toml:"search_on_start"`
	SearchWaitSeconds          int    `toml:"search_wait_seconds"`
	SearchIntervalSeconds      int    `toml:"search_interval_seconds"`
	SearchRateLimitSeconds     int    `toml:"search_rate_limit_seconds"`
	DescriptionTimeoutMS       int64  `toml:"description_timeout_ms"`
	DescriptionCacheSize       int    `toml:"description_cache_size"`
	DescriptionCacheTTLSeconds int    `toml:"description_cache_ttl_seconds"`
	LocalAddr                  string `toml:"local_addr"`
}

// ControlConfig controls SOAP calls and playback.
type ControlConfig struct {
	SOAPTimeoutMS    int64  `toml:"soap_timeout_ms"`
	CommandTimeoutMS int64  `toml:"command_timeout_ms"`
	ResourcePolicy   string `toml:"resource_policy"`
	PreferredMime    string `toml:"preferred_mime"`
}

// QuirksConfig points at an optional rule file.
type QuirksConfig struct {
	File  string `toml:"file"`
	Watch bool   `toml:"watch"`
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	BridgeMQTT   BridgeMQTTConfig   `toml:"bridge_mqtt"`
	GatewayHTTP  GatewayHTTPConfig  `toml:"gateway_http"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// BridgeMQTTConfig configures the MQTT command bridge.
type BridgeMQTTConfig struct {
	Enabled bool   `toml:"enabled"`
	NodeID  string `toml:"node_id"`
	Name    string `toml:"name"`
}

// GatewayHTTPConfig configures the HTTP gateway.
type GatewayHTTPConfig struct {
	Enabled   bool    `toml:"enabled"`
	Listen    string  `toml:"listen"`
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`

	// AllowedOrigins are extra browser origins; same-origin is always allowed.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// DefaultConfig returns the configuration used for keys a file leaves unset.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Identity:  "mucpd",
			TopicBase: cp.BaseTopic,
			LogLevel:  "info",
			LogFormat: "console",
			LogOutput: "stdout",
		},
		Discovery: DiscoveryConfig{
			SearchOnStart:              true,
			SearchWaitSeconds:          2,
			SearchRateLimitSeconds:     1,
			DescriptionTimeoutMS:       5000,
			DescriptionCacheSize:       32 << 20,
			DescriptionCacheTTLSeconds: 600,
		},
		Control: ControlConfig{
			SOAPTimeoutMS:    10000,
			CommandTimeoutMS: 15000,
			ResourcePolicy:   "first",
		},
		Modules: ModulesConfig{
			BridgeMQTT:  BridgeMQTTConfig{Enabled: true, NodeID: "controlpoint", Name: "UPnP Control Point"},
			GatewayHTTP: GatewayHTTPConfig{Listen: "127.0.0.1:8088"},
			EmbeddedMQTT: EmbeddedMQTTConfig{
				Listen:         "127.0.0.1:1883",
				AllowAnonymous: true,
			},
		},
	}
}

// LoadConfig loads a config file from path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "mucp", "mucpd.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "mucp", "mucpd.toml"), nil
}

// Validate reports settings the daemon cannot start with.
func (c Config) Validate() error {
	if _, err := c.ResourcePolicy(); err != nil {
		return err
	}
	if c.Modules.BridgeMQTT.Enabled && strings.TrimSpace(c.Modules.BridgeMQTT.NodeID) == "" {
		return errors.New("modules.bridge_mqtt.node_id is required")
	}
	if c.Discovery.SearchWaitSeconds < 0 || c.Discovery.SearchIntervalSeconds < 0 || c.Discovery.SearchRateLimitSeconds < 0 {
		return errors.New("discovery intervals must not be negative")
	}
	if c.Modules.GatewayHTTP.RateLimit < 0 {
		return errors.New("modules.gateway_http.rate_limit must not be negative")
	}
	if !c.Modules.BridgeMQTT.Enabled && !c.Modules.GatewayHTTP.Enabled {
		return errors.New("enable bridge_mqtt or gateway_http")
	}
	return nil
}

// ResourcePolicy resolves control.resource_policy.
func (c Config) ResourcePolicy() (didl.Policy, error) {
	return didl.PolicyByName(c.Control.ResourcePolicy, c.Control.PreferredMime)
}

// NeedsBroker reports whether any enabled module talks MQTT.
func (c Config) NeedsBroker() bool {
	return c.Modules.BridgeMQTT.Enabled
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// SOAPTimeout is the HTTP timeout for one control call.
func (c Config) SOAPTimeout() time.Duration { return millis(c.Control.SOAPTimeoutMS) }

// CommandTimeout bounds one dispatched command.
func (c Config) CommandTimeout() time.Duration { return millis(c.Control.CommandTimeoutMS) }

// DescriptionTimeout bounds one description fetch.
func (c Config) DescriptionTimeout() time.Duration { return millis(c.Discovery.DescriptionTimeoutMS) }

// DescriptionCacheTTL is how long a fetched description is reused.
func (c Config) DescriptionCacheTTL() time.Duration {
	return seconds(c.Discovery.DescriptionCacheTTLSeconds)
}

// SearchInterval is the periodic re-search period; zero disables it.
func (c Config) SearchInterval() time.Duration { return seconds(c.Discovery.SearchIntervalSeconds) }

// SearchRateLimit is the minimum gap between two M-SEARCH bursts.
func (c Config) SearchRateLimit() time.Duration { return seconds(c.Discovery.SearchRateLimitSeconds) }
