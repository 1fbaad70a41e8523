package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateDescriptor(t *testing.T) {
	valid := Descriptor{ID: "my_plugin-1", Name: "Mine", Version: "1.0.0", Main: "builtin:mine"}
	cases := []struct {
		name   string
		mutate func(*Descriptor)
		ok     bool
	}{
		{name: "valid", mutate: func(*Descriptor) {}, ok: true},
		{name: "missing name", mutate: func(d *Descriptor) { d.Name = "" }},
		{name: "bad id", mutate: func(d *Descriptor) { d.ID = "my plugin" }},
		{name: "bad version", mutate: func(d *Descriptor) { d.Version = "1.0" }},
		{name: "unknown permission", mutate: func(d *Descriptor) { d.Permissions = []Permission{"root"} }},
		{name: "system access", mutate: func(d *Descriptor) { d.Permissions = []Permission{PermissionSystem} }},
		{name: "self dependency", mutate: func(d *Descriptor) { d.Dependencies = []Dependency{{ID: d.ID, Version: "1.0.0"}} }},
		{name: "bad dependency version", mutate: func(d *Descriptor) { d.Dependencies = []Dependency{{ID: "core", Version: "^1"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := valid.Clone()
			tc.mutate(&d)
			err := ValidateDescriptor(d, false)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPermissionPolicy(t *testing.T) {
	desc := Descriptor{ID: "p", Permissions: []Permission{PermissionDOM, PermissionNetwork}}
	if err := (PermissionPolicy{}).Validate(desc); err != nil {
		t.Fatalf("empty policy should allow: %v", err)
	}
	if err := (PermissionPolicy{Allowed: []Permission{PermissionDOM}}).Validate(desc); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected allow-list rejection, got %v", err)
	}
	merged := PermissionPolicy{Denied: []Permission{PermissionNetwork}}.Merge(PermissionPolicy{Allowed: []Permission{PermissionDOM, PermissionNetwork}})
	if err := merged.Validate(desc); !errors.Is(err, ErrValidation) {
		t.Fatalf("denied should win, got %v", err)
	}
}

func TestLoadManagerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	raw := `
marketplaceUrl: https://market.example.org
autoUpdate: true
updateChannel: beta
maxConcurrentInstalls: 5
updateInterval: 1h
sandbox:
  maxExecutionTime: 2s
plugins:
  reports:
    limits:
      maxExecutionTime: 10s
      restrictions:
        allowedDomains: [reports.example.org]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.AutoUpdate || cfg.UpdateChannel != "beta" || cfg.MaxConcurrentInstalls != 5 || cfg.UpdateInterval != time.Hour {
		t.Fatalf("unexpected config %+v", cfg)
	}
	limits := cfg.limitsFor("reports")
	if limits.MaxExecutionTime != 10*time.Second || limits.Restrictions.AllowedDomains[0] != "reports.example.org" {
		t.Fatalf("unexpected per plugin limits %+v", limits)
	}
	if len(limits.Restrictions.AllowedMethods) != 4 {
		t.Fatalf("unset restrictions should keep defaults, got %+v", limits.Restrictions)
	}
	if other := cfg.limitsFor("other"); other.MaxExecutionTime != 2*time.Second {
		t.Fatalf("unexpected default limits %+v", other)
	}

	bad := DefaultManagerConfig()
	bad.MaxPlugins = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
