package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the broker's YAML configuration.
type Config struct {
	Listeners []Listener          `yaml:"listeners" validate:"required,min=1,dive"`
	Domains   []Domain            `yaml:"domains" validate:"required,min=1,dive"`
	Settings  map[string]Settings `yaml:"settings"`
}

// Listener declares one listening port. An absent protocol tag is inferred
// from the port: 1883 is mqtt, 8883 is mqtt-tls.
type Listener struct {
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	// Protocol is "mqtt", "mqtt-tls", "mqtt-ws" or a custom probe tag.
	Protocol string `yaml:"protocol"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
	// Path is the HTTP path for mqtt-ws listeners.
	Path string `yaml:"path"`
}

// Domain declares one tenant partition.
type Domain struct {
	Name             string   `yaml:"name" validate:"required"`
	StorageDir       string   `yaml:"storage_dir" validate:"required"`
	UsersDB          string   `yaml:"users_db"`
	UseSettings      string   `yaml:"use_settings"`
	IsActive         *bool    `yaml:"is_active"`
	AnonymousDefault bool     `yaml:"anonymous_default"`
	VirtualHosts     []string `yaml:"virtual_hosts"`
	// Persistence selects the session metadata backend: memory (default),
	// pebble or redis.
	Persistence Persistence `yaml:"persistence"`
}

// Persistence configures the session metadata store.
type Persistence struct {
	Type string `yaml:"type" validate:"omitempty,oneof=memory pebble redis"`
	// Path is the pebble database directory.
	Path string `yaml:"path"`
	// Addr/Password/DB configure redis.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Settings mirrors the per-domain limits bundle. -1 means unlimited.
type Settings struct {
	RequireAuth            bool `yaml:"require_auth"`
	RestrictIDs            bool `yaml:"restrict_ids"`
	DropConnSameClientID   bool `yaml:"drop_conn_same_client_id"`
	DisableWildcardSupport bool `yaml:"disable_wildcard_support"`
	ConnLimit              int  `yaml:"conn_limit"`
	MessageSizeLimit       int  `yaml:"message_size_limit"`
	StorageMessagesLimit   int  `yaml:"storage_messages_limit"`
	StorageQuotaLimit      int  `yaml:"storage_quota_limit"`
	MonthMessageQuota      int  `yaml:"month_message_quota"`
	DayMessageQuota        int  `yaml:"day_message_quota"`
}

// DefaultSettings is the unlimited bundle applied when a field is omitted.
func DefaultSettings() Settings {
	return Settings{
		ConnLimit:            -1,
		MessageSizeLimit:     -1,
		StorageMessagesLimit: -1,
		StorageQuotaLimit:    -1,
		MonthMessageQuota:    -1,
		DayMessageQuota:      -1,
	}
}

// UnmarshalYAML decodes a bundle on top of DefaultSettings, so a limit the
// YAML omits stays unlimited.
func (s *Settings) UnmarshalYAML(value *yaml.Node) error {
	type plain Settings
	p := plain(DefaultSettings())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = Settings(p)
	return nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range cfg.Listeners {
		cfg.Listeners[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration; the broker refuses to start on error.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	for _, l := range c.Listeners {
		if l.Protocol == "mqtt-tls" && (l.CertFile == "" || l.KeyFile == "") {
			return fmt.Errorf("listener %s:%d: mqtt-tls requires cert_file and key_file", l.BindAddr, l.Port)
		}
	}

	names := make(map[string]struct{}, len(c.Domains))
	for _, d := range c.Domains {
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate domain name %q", d.Name)
		}
		names[d.Name] = struct{}{}

		if d.UseSettings != "" {
			if _, ok := c.Settings[d.UseSettings]; !ok {
				return fmt.Errorf("domain %s: unknown settings bundle %q", d.Name, d.UseSettings)
			}
		}
	}

	return nil
}

// applyDefaults infers the protocol tag from the port.
func (l *Listener) applyDefaults() {
	if l.Protocol != "" {
		return
	}
	switch l.Port {
	case 8883:
		l.Protocol = "mqtt-tls"
	default:
		l.Protocol = "mqtt"
	}
}

// Addr returns the listener's bind address as host:port.
func (l *Listener) Addr() string {
	host := l.BindAddr
	if host == "" {
		host = "0.0.0.0"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, l.Port)
}
