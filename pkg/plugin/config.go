package plugin

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	MarketplaceURL        string        `yaml:"marketplaceUrl" json:"marketplaceUrl"`
	AutoUpdate            bool          `yaml:"autoUpdate" json:"autoUpdate"`
	UpdateChannel         string        `yaml:"updateChannel" json:"updateChannel"`
	AllowExperimental     bool          `yaml:"allowExperimental" json:"allowExperimental"`
	MaxConcurrentInstalls int           `yaml:"maxConcurrentInstalls" json:"maxConcurrentInstalls"`
	MaxPlugins            int           `yaml:"maxPlugins" json:"maxPlugins"`
	UpdateInterval        time.Duration `yaml:"updateInterval" json:"updateInterval"`
	SandboxEnabled        bool          `yaml:"sandboxEnabled" json:"sandboxEnabled"`
	DebugMode             bool          `yaml:"debugMode" json:"debugMode"`
	PluginDir             string        `yaml:"pluginDir" json:"pluginDir"`
	// NetworkRate is the sustained requests per second allowed per plugin.
	NetworkRate  float64 `yaml:"networkRate" json:"networkRate"`
	NetworkBurst int     `yaml:"networkBurst" json:"networkBurst"`

	Sandbox  Limits                  `yaml:"sandbox" json:"sandbox"`
	Defaults PermissionPolicy        `yaml:"defaults" json:"defaults"`
	Plugins  map[string]PluginConfig `yaml:"plugins" json:"plugins,omitempty"`
}

// PluginConfig overrides policy and limits for a single plugin id.
type PluginConfig struct {
	Policy *PermissionPolicy `yaml:"policy" json:"policy,omitempty"`
	Limits *Limits           `yaml:"limits" json:"limits,omitempty"`
}

// DefaultManagerConfig returns the built-in defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MarketplaceURL:        "https://plugins.koha-community.org",
		UpdateChannel:         "stable",
		MaxConcurrentInstalls: 3,
		MaxPlugins:            100,
		UpdateInterval:        24 * time.Hour,
		SandboxEnabled:        true,
		NetworkRate:           10,
		NetworkBurst:          20,
		Sandbox: Limits{
			MaxExecutionTime: 5 * time.Second,
			MaxMemoryBytes:   50 << 20,
			Restrictions: Restrictions{
				AllowedDomains: []string{"localhost", "koha-community.org"},
				AllowedPaths:   []string{"/api/", "/plugins/"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
			},
		},
		Plugins: map[string]PluginConfig{},
	}
}

// LoadManagerConfig reads a YAML file over the defaults.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	cfg := DefaultManagerConfig()
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	if c.MarketplaceURL != "" {
		if u, err := url.Parse(c.MarketplaceURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid marketplaceUrl %q", c.MarketplaceURL)
		}
	}
	if c.MaxConcurrentInstalls < 0 {
		return errors.New("maxConcurrentInstalls cannot be negative")
	}
	if c.MaxPlugins < 0 {
		return errors.New("maxPlugins cannot be negative")
	}
	if c.UpdateInterval < 0 {
		return errors.New("updateInterval cannot be negative")
	}
	if c.Sandbox.MaxExecutionTime < 0 {
		return errors.New("sandbox.maxExecutionTime cannot be negative")
	}
	for _, p := range append(append([]Permission(nil), c.Defaults.Allowed...), c.Defaults.Denied...) {
		if !p.Known() {
			return fmt.Errorf("defaults: unknown permission %q", p)
		}
	}
	for id, pc := range c.Plugins {
		if !idPattern.MatchString(id) {
			return fmt.Errorf("invalid plugin id %q in plugins", id)
		}
		if pc.Limits != nil && pc.Limits.MaxExecutionTime < 0 {
			return fmt.Errorf("plugin %s: maxExecutionTime cannot be negative", id)
		}
	}
	return nil
}

// policyFor merges the plugin override with the defaults.
func (c ManagerConfig) policyFor(id string) PermissionPolicy {
	if pc, ok := c.Plugins[id]; ok && pc.Policy != nil {
		return pc.Policy.Merge(c.Defaults)
	}
	return c.Defaults
}

// limitsFor merges the plugin override with the sandbox defaults.
func (c ManagerConfig) limitsFor(id string) Limits {
	limits := c.Sandbox
	pc, ok := c.Plugins[id]
	if !ok || pc.Limits == nil {
		return limits
	}
	if pc.Limits.MaxExecutionTime > 0 {
		limits.MaxExecutionTime = pc.Limits.MaxExecutionTime
	}
	if pc.Limits.MaxMemoryBytes > 0 {
		limits.MaxMemoryBytes = pc.Limits.MaxMemoryBytes
	}
	r := pc.Limits.Restrictions
	if len(r.AllowedDomains) > 0 {
		limits.Restrictions.AllowedDomains = r.AllowedDomains
	}
	if len(r.AllowedPaths) > 0 {
		limits.Restrictions.AllowedPaths = r.AllowedPaths
	}
	if len(r.AllowedMethods) > 0 {
		limits.Restrictions.AllowedMethods = r.AllowedMethods
	}
	return limits
}

// ConfigPatch carries runtime adjustable settings. Nil fields are unchanged.
type ConfigPatch struct {
	AutoUpdate        *bool          `json:"autoUpdate,omitempty"`
	UpdateChannel     *string        `json:"updateChannel,omitempty"`
	AllowExperimental *bool          `json:"allowExperimental,omitempty"`
	UpdateInterval    *time.Duration `json:"updateInterval,omitempty"`
	DebugMode         *bool          `json:"debugMode,omitempty"`
}

func (c *ManagerConfig) apply(p ConfigPatch) {
	if p.AutoUpdate != nil {
		c.AutoUpdate = *p.AutoUpdate
	}
	if p.UpdateChannel != nil {
		c.UpdateChannel = *p.UpdateChannel
	}
	if p.AllowExperimental != nil {
		c.AllowExperimental = *p.AllowExperimental
	}
	if p.UpdateInterval != nil {
		c.UpdateInterval = *p.UpdateInterval
	}
	if p.DebugMode != nil {
		c.DebugMode = *p.DebugMode
	}
}
