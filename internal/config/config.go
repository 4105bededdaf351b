// Package config loads the keephost.yaml configuration tree: proxies,
// sites, shared databases, and mail/sms credentials. Loading mechanics are
// deliberately thin — keephost treats the exact CLI flag/env surface as an
// external collaborator's concern (spec.md §1, §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig names a JSON store file shared across sites or scoped to one.
type DatabaseConfig struct {
	Name       string `yaml:"name"`
	File       string `yaml:"file"`
	Debounce   string `yaml:"debounce"`   // Go duration string; default 1s.
	ReadOnly   bool   `yaml:"readOnly"`
	CreateOnMiss bool `yaml:"createOnMiss"`
}

// HandlerConfig describes one entry in a site's route table: it picks a
// native middleware ("content", "api", or a custom code name) and carries
// that middleware's options as a raw YAML node.
type HandlerConfig struct {
	Code    string    `yaml:"code"`
	Pattern string    `yaml:"pattern,omitempty"`
	Options yaml.Node `yaml:"options,omitempty"`
}

// CORSConfig configures the site's cors middleware (spec.md §4.6 "cors").
// Origins is required for cors to admit any cross-origin request; an empty
// list means the site never sets CORS headers (every request with an
// Origin header fails 403).
type CORSConfig struct {
	Origins     []string `yaml:"origins,omitempty"`
	Headers     []string `yaml:"headers,omitempty"`
	Methods     []string `yaml:"methods,omitempty"`
	Credentials bool     `yaml:"credentials,omitempty"`
}

// SiteConfig describes one hosted domain.
type SiteConfig struct {
	Host          string            `yaml:"host"`
	Port          int               `yaml:"port"`
	Aliases       []string          `yaml:"aliases,omitempty"`
	Databases     []string          `yaml:"databases,omitempty"` // names into Config.Databases
	Handlers      []HandlerConfig   `yaml:"handlers,omitempty"`
	Root          string            `yaml:"root,omitempty"`
	AuthEnabled   bool              `yaml:"auth"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	CORS          CORSConfig        `yaml:"cors,omitempty"`
	TokenSecret   string            `yaml:"tokenSecret,omitempty"`
	TokenExpSec   int64             `yaml:"tokenExpSec,omitempty"`
	TokenRenewal  bool              `yaml:"tokenRenewal"`
	CodeSize      int               `yaml:"codeSize,omitempty"`
	CodeBase      int               `yaml:"codeBase,omitempty"`
	CodeExpMin    int               `yaml:"codeExpMin,omitempty"`
}

// ProxyConfig describes one front-end listener.
type ProxyConfig struct {
	Port     int      `yaml:"port"`
	TLS      bool     `yaml:"tls"`
	CertPath string   `yaml:"certPath,omitempty"`
	KeyPath  string   `yaml:"keyPath,omitempty"`
	Sites    []string `yaml:"sites"` // host names routed by this proxy
	Verbose  bool     `yaml:"verbose"`
}

// MailConfig holds SendGrid-shaped credentials. The transport itself is an
// external collaborator (spec.md §1); only the shape is owned here.
type MailConfig struct {
	APIKey string `yaml:"apiKey,omitempty"`
	From   string `yaml:"from,omitempty"`
}

// SMSConfig holds Twilio-shaped credentials.
type SMSConfig struct {
	AccountSID string `yaml:"accountSid,omitempty"`
	AuthToken  string `yaml:"authToken,omitempty"`
	From       string `yaml:"from,omitempty"`
}

// Config is the top-level keephost.yaml tree.
type Config struct {
	Proxies   []ProxyConfig             `yaml:"proxies"`
	Sites     []SiteConfig              `yaml:"sites"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
	Mail      MailConfig                `yaml:"mail"`
	SMS       SMSConfig                 `yaml:"sms"`
	TempDir   string                    `yaml:"tempDir"`
}

// DefaultConfig returns a single-site, no-TLS, loopback-only configuration —
// enough to start the process with zero external setup.
func DefaultConfig() *Config {
	return &Config{
		Proxies: []ProxyConfig{{Port: 8080, Sites: []string{"localhost"}}},
		Sites:   []SiteConfig{{Host: "localhost", Port: 9080}},
		TempDir: os.TempDir(),
	}
}

// Load parses a keephost.yaml file and validates it. An empty path returns
// DefaultConfig().
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path) // #nosec G304 — operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: KEEPHOST_CONFIG env var > ./keephost.yaml > "" (use defaults).
func ResolvePath() string {
	if p := os.Getenv("KEEPHOST_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("keephost.yaml"); err == nil {
		return "keephost.yaml"
	}
	return ""
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sites))
	for _, s := range c.Sites {
		if s.Host == "" {
			return fmt.Errorf("site: host is required")
		}
		if seen[s.Host] {
			return fmt.Errorf("site %q: duplicate host", s.Host)
		}
		seen[s.Host] = true
	}
	for _, p := range c.Proxies {
		if p.TLS && (p.CertPath == "" || p.KeyPath == "") {
			return fmt.Errorf("proxy on port %d: tls requires certPath and keyPath", p.Port)
		}
	}
	return nil
}
