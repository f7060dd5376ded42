// config.go
package realtime

import (
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config holds everything needed to run a Server.
type Config struct {
	Host   string `yaml:"host"`
	Port   uint16 `yaml:"port"`
	DBPath string `yaml:"db_path"`

	// JWTSecret signs the bearer tokens accepted on the websocket handshake
	// and the resource API.
	JWTSecret string `yaml:"jwt_secret"`
	// LogConfig sets loggo levels, e.g. "<root>=INFO;realtime.hub=DEBUG".
	LogConfig string `yaml:"log_config"`

	AccessTTL          time.Duration `yaml:"access_ttl"`
	ScopeTTL           time.Duration `yaml:"scope_ttl"`
	ReconnectGrace     time.Duration `yaml:"reconnect_grace"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
	ChangelogRetention time.Duration `yaml:"changelog_retention"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SendBuffer         int           `yaml:"send_buffer"`

	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               17050,
		DBPath:             "./data/realtime.db",
		LogConfig:          "<root>=INFO",
		AccessTTL:          DefaultAccessTTL,
		ScopeTTL:           DefaultScopeTTL,
		ReconnectGrace:     DefaultReconnectGrace,
		JanitorInterval:    time.Hour,
		ChangelogRetention: 24 * time.Hour,
		PollInterval:       time.Second,
		SendBuffer:         DefaultSendBuffer,
		Clock:              clock.WallClock,
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Fields absent from
// the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotatef(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.NotValidf("config %s: %v", path, err)
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.NotValidf("empty DBPath")
	}
	if c.JWTSecret == "" {
		return errors.NotValidf("empty JWTSecret")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	for name, d := range map[string]time.Duration{
		"AccessTTL":          c.AccessTTL,
		"ScopeTTL":           c.ScopeTTL,
		"ReconnectGrace":     c.ReconnectGrace,
		"JanitorInterval":    c.JanitorInterval,
		"ChangelogRetention": c.ChangelogRetention,
		"PollInterval":       c.PollInterval,
	} {
		if d <= 0 {
			return errors.NotValidf("non-positive %s", name)
		}
	}
	if c.SendBuffer <= 0 {
		return errors.NotValidf("non-positive SendBuffer")
	}
	return nil
}
