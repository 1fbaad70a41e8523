package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PluginHub/internal/auth"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pluginhub.json")
	raw := `{
  "server": {"allowed_origins": ["https://opac.example.org"]},
  "auth": {"mode": "jwt", "secret": "s", "ttl_seconds": 120},
  "events": {"driver": "redis", "url": "127.0.0.1:6379"},
  "plugins": {"manager_config": "plugins.yaml"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.ShutdownTimeout() != 10*time.Second {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != filepath.Join(dir, "data", "pluginhub.db") {
		t.Fatalf("store defaults not applied: %+v", cfg.Store)
	}
	if cfg.Plugins.ManagerConfig != filepath.Join(dir, "plugins.yaml") {
		t.Fatalf("manager config path not resolved: %s", cfg.Plugins.ManagerConfig)
	}
	a := cfg.AuthService()
	if a.Mode != auth.ModeJWT || a.JWT.TTL != 2*time.Minute || a.JWT.Issuer != "pluginhub" {
		t.Fatalf("unexpected auth config %+v", a)
	}
	if cfg.Events.Driver != "redis" || cfg.AlertCooldown() != 5*time.Minute {
		t.Fatalf("unexpected events/alerting %+v %+v", cfg.Events, cfg.Alerting)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path should fail")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Fatal("malformed json should fail")
	}
}

func TestDefaultUsesMemoryEventsAndDisabledAuth(t *testing.T) {
	cfg := Default("/srv/pluginhub")
	if cfg.Auth.Mode != "disabled" || cfg.Events.Driver != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if got := cfg.KVStore().DSN; got != "/srv/pluginhub/data/pluginhub.db" {
		t.Fatalf("sqlite dsn = %s", got)
	}
}
