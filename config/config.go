// Package config loads the settings of the relay and agent commands: a YAML
// file, then environment overrides. Command-line flags are applied last by
// the commands themselves.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as "5s" or "250ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Relay struct {
	// listen address
	Addr string `yaml:"addr"`
	// redis server shared by relay instances, empty for a single instance
	Redis string `yaml:"redis,omitempty"`
	// answer sync-requests from an in-memory replica of each room
	KeepSnapshots bool `yaml:"keep_snapshots"`
	// advertise over mDNS
	Advertise    bool   `yaml:"advertise"`
	Instance     string `yaml:"instance,omitempty"`
	MemberBuffer int    `yaml:"member_buffer"`
}

type Agent struct {
	// relay endpoint, discovered over mDNS when empty
	Endpoint string `yaml:"endpoint,omitempty"`
	Room     string `yaml:"room"`
	// presence display name
	Name            string   `yaml:"name,omitempty"`
	SyncTimeout     Duration `yaml:"sync_timeout"`
	SyncRetries     int      `yaml:"sync_retries"`
	DiscoverTimeout Duration `yaml:"discover_timeout"`
}

type Config struct {
	Relay Relay `yaml:"relay"`
	Agent Agent `yaml:"agent"`
}

func Default() *Config {
	return &Config{
		Relay: Relay{
			Addr:          ":8081",
			KeepSnapshots: true,
			MemberBuffer:  256,
		},
		Agent: Agent{
			SyncTimeout:     Duration(5 * time.Second),
			SyncRetries:     2,
			DiscoverTimeout: Duration(5 * time.Second),
		},
	}
}

// Load reads the file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := c.decode(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}
	c.ApplyEnv(os.LookupEnv)
	return c, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(c)
	if errors.Is(err, io.EOF) {
		// empty file
		return nil
	}
	return err
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for name, field := range map[string]*string{
		"REDIS_ADDR":          &c.Relay.Redis,
		"COLLABTEXT_ADDR":     &c.Relay.Addr,
		"COLLABTEXT_ENDPOINT": &c.Agent.Endpoint,
		"COLLABTEXT_ROOM":     &c.Agent.Room,
		"COLLABTEXT_NAME":     &c.Agent.Name,
	} {
		if value, ok := lookup(name); ok && value != "" {
			*field = value
		}
	}
}

func (r *Relay) Validate() error {
	if r.Addr == "" {
		return fmt.Errorf("%w: relay addr is required", ErrInvalidConfig)
	}
	if r.MemberBuffer <= 0 {
		return fmt.Errorf("%w: relay member_buffer must be positive", ErrInvalidConfig)
	}
	return nil
}

func (a *Agent) Validate() error {
	if a.Room == "" {
		return fmt.Errorf("%w: agent room is required", ErrInvalidConfig)
	}
	if a.SyncTimeout < 0 || a.SyncRetries < 0 {
		return fmt.Errorf("%w: agent sync_timeout and sync_retries cannot be negative", ErrInvalidConfig)
	}
	if a.Endpoint == "" && a.DiscoverTimeout <= 0 {
		return fmt.Errorf("%w: agent needs an endpoint or a discover_timeout", ErrInvalidConfig)
	}
	return nil
}
