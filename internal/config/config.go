package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent462/fleetrun/internal/dispatch"
	"github.com/agent462/fleetrun/internal/node"
	"github.com/agent462/fleetrun/internal/pathutil"
	"github.com/agent462/fleetrun/internal/ssh"
)

// Config represents the top-level fleetrun configuration.
type Config struct {
	SSH      SSH                 `yaml:"ssh"`
	Dispatch Dispatch            `yaml:"dispatch"`
	Output   string              `yaml:"output"` // "grouped" or "json"
	Nodes    []node.Node         `yaml:"nodes,omitempty"`
	Groups   map[string][]string `yaml:"groups,omitempty"`
}

// SSH holds connection and authentication settings.
type SSH struct {
	User           string   `yaml:"user"`
	Port           int      `yaml:"port,omitempty"`
	PrivateKeyPath string   `yaml:"private_key_path,omitempty"`
	HostKeyPolicy  string   `yaml:"host_key_policy"` // "reject" or "accept"
	KnownHosts     string   `yaml:"known_hosts,omitempty"`
	HostOverride   string   `yaml:"host_override,omitempty"`
	ProxyJump      string   `yaml:"proxy_jump,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
}

// Dispatch holds address selection and scheduling settings.
type Dispatch struct {
	UsePrivateIP bool `yaml:"use_private_ip"`
	Concurrency  int  `yaml:"concurrency"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		SSH: SSH{
			User:           dispatch.DefaultUser,
			HostKeyPolicy:  "reject",
			ConnectTimeout: Duration{10 * time.Second},
		},
		Dispatch: Dispatch{
			Concurrency: 1,
		},
		Output: "grouped",
		Groups: make(map[string][]string),
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "fleetrun", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fleetrun", "config.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path.
// If the file does not exist, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Validate checks the config for logical errors. Node addresses are not
// checked here; a node with an unusable address fails when dispatched.
func (c *Config) Validate() error {
	if _, err := dispatch.ParseHostKeyPolicy(c.SSH.HostKeyPolicy); err != nil {
		return err
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh port must be between 0 and 65535, got %d", c.SSH.Port)
	}
	if c.SSH.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("connect timeout must be non-negative, got %s", c.SSH.ConnectTimeout)
	}
	if c.Dispatch.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Dispatch.Concurrency)
	}

	validOutputModes := map[string]bool{"grouped": true, "json": true}
	if c.Output != "" && !validOutputModes[c.Output] {
		return fmt.Errorf("invalid output mode %q, must be one of: grouped, json", c.Output)
	}

	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("node %d has no name", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}

	for name, members := range c.Groups {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("group name %q must match [a-zA-Z0-9_.-]+", name)
		}
		if len(members) == 0 {
			return fmt.Errorf("group %q has no nodes", name)
		}
		for _, m := range members {
			if !seen[m] {
				return fmt.Errorf("group %q references unknown node %q", name, m)
			}
		}
	}

	return nil
}

// DispatchConfig builds the dispatcher configuration. The node list is left
// empty; callers pass the nodes they resolved.
func (c *Config) DispatchConfig() (dispatch.Config, error) {
	policy, err := dispatch.ParseHostKeyPolicy(c.SSH.HostKeyPolicy)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		User:           c.SSH.User,
		HostKeyPolicy:  policy,
		PrivateKeyPath: pathutil.ExpandHome(c.SSH.PrivateKeyPath),
		HostOverride:   c.SSH.HostOverride,
		UsePrivateIP:   c.Dispatch.UsePrivateIP,
		Concurrency:    c.Dispatch.Concurrency,
	}, nil
}

// SSHConfig builds the transport's base client configuration.
func (c *Config) SSHConfig() ssh.ClientConfig {
	return ssh.ClientConfig{
		Port:           c.SSH.Port,
		KnownHostsPath: pathutil.ExpandHome(c.SSH.KnownHosts),
		ProxyJump:      c.SSH.ProxyJump,
		ConnectTimeout: c.SSH.ConnectTimeout.Duration,
	}
}
