package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"PluginHub/internal/auth"
	"PluginHub/internal/eventsink"
	"PluginHub/internal/kvstore"
	"PluginHub/pkg/logger"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "PLUGINHUB_CONFIG"

// Config 描述了 PluginHub 守护进程启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig     `json:"server"`
	Auth     AuthConfig       `json:"auth"`
	Metrics  MetricsConfig    `json:"metrics"`
	Store    StoreConfig      `json:"store"`
	Events   eventsink.Config `json:"events"`
	Logging  logger.Config    `json:"logging"`
	Alerting AlertingConfig   `json:"alerting"`
	Plugins  PluginsConfig    `json:"plugins"`
	Runtime  RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownSeconds int      `json:"shutdown_seconds"`
}

// AuthConfig 描述 API 认证方式，时长以秒为单位。
type AuthConfig struct {
	Mode          string   `json:"mode"`
	Secret        string   `json:"secret"`
	Issuer        string   `json:"issuer"`
	Audience      []string `json:"audience"`
	TTLSeconds    int64    `json:"ttl_seconds"`
	LeewaySeconds int64    `json:"leeway_seconds"`
}

// MetricsConfig 控制独立的指标监听地址，为空时仅挂载在 API 上。
type MetricsConfig struct {
	Address string `json:"address"`
}

// StoreConfig 描述状态存储后端。
type StoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	Password               string `json:"password"`
	DB                     int    `json:"db"`
	Prefix                 string `json:"prefix"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// AlertingConfig 描述告警通知方式。
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	CooldownSeconds int    `json:"cooldown_seconds"`
}

// PluginsConfig 指向插件管理器的 YAML 配置。
type PluginsConfig struct {
	ManagerConfig string `json:"manager_config"`
	CatalogFile   string `json:"catalog_file"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回未提供配置文件时使用的配置。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = string(auth.ModeDisabled)
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "pluginhub"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "sqlite3") && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.Runtime.DataDir, "pluginhub.db")
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Alerting.CooldownSeconds <= 0 {
		c.Alerting.CooldownSeconds = 300
	}

	c.Plugins.ManagerConfig = resolve(baseDir, c.Plugins.ManagerConfig)
	c.Plugins.CatalogFile = resolve(baseDir, c.Plugins.CatalogFile)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// AuthService 转换为认证服务配置。
func (c *Config) AuthService() auth.Config {
	return auth.Config{
		Mode: auth.Mode(c.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:   c.Auth.Secret,
			Issuer:   c.Auth.Issuer,
			Audience: c.Auth.Audience,
			TTL:      time.Duration(c.Auth.TTLSeconds) * time.Second,
			Leeway:   time.Duration(c.Auth.LeewaySeconds) * time.Second,
		},
	}
}

// KVStore 转换为状态存储配置。
func (c *Config) KVStore() kvstore.Config {
	return kvstore.Config{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		Password:        c.Store.Password,
		DB:              c.Store.DB,
		Prefix:          c.Store.Prefix,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Store.ConnMaxLifetimeSeconds) * time.Second,
	}
}

// ShutdownTimeout 返回优雅停机的等待时长。
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

// AlertCooldown 返回相同告警的抑制窗口。
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alerting.CooldownSeconds) * time.Second
}
