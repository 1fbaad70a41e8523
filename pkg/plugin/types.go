package plugin

import (
	"slices"
	"time"
)

// Permission expresses a capability a plugin may request access to.
type Permission string

const (
	PermissionDOM          Permission = "dom_access"
	PermissionNetwork      Permission = "network_access"
	PermissionStorage      Permission = "storage_access"
	PermissionLocation     Permission = "location_access"
	PermissionNotification Permission = "notification_access"
	PermissionCamera       Permission = "camera_access"
	PermissionMicrophone   Permission = "microphone_access"
	PermissionFile         Permission = "file_access"
	PermissionClipboard    Permission = "clipboard_access"
	PermissionFullscreen   Permission = "fullscreen_access"
	// PermissionSystem is privileged and only granted when experimental plugins are allowed.
	PermissionSystem Permission = "system_access"
)

var knownPermissions = []Permission{
	PermissionDOM,
	PermissionNetwork,
	PermissionStorage,
	PermissionLocation,
	PermissionNotification,
	PermissionCamera,
	PermissionMicrophone,
	PermissionFile,
	PermissionClipboard,
	PermissionFullscreen,
	PermissionSystem,
}

// Known reports whether p is one of the recognised permission tags.
func (p Permission) Known() bool {
	return slices.Contains(knownPermissions, p)
}

// Dependency is a requirement on another plugin at a minimum compatible version.
type Dependency struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
}

// Descriptor contains the static metadata of a plugin release.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version"`
	Author       string       `json:"author,omitempty"`
	Main         string       `json:"main"`
	Permissions  []Permission `json:"permissions,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	d.Permissions = slices.Clone(d.Permissions)
	d.Dependencies = slices.Clone(d.Dependencies)
	return d
}

// HasPermission reports whether the descriptor requests p.
func (d Descriptor) HasPermission(p Permission) bool {
	return slices.Contains(d.Permissions, p)
}

// DependsOn reports whether the descriptor lists id as a dependency.
func (d Descriptor) DependsOn(id string) bool {
	for _, dep := range d.Dependencies {
		if dep.ID == id {
			return true
		}
	}
	return false
}

// InstalledPlugin is the record kept for every installed plugin.
type InstalledPlugin struct {
	Descriptor  Descriptor `json:"descriptor"`
	InstallDate time.Time  `json:"installDate"`
	Active      bool       `json:"active"`

	// instance is owned by the Manager and never leaves the package.
	instance Module
}

// ID is shorthand for the descriptor id.
func (p InstalledPlugin) ID() string { return p.Descriptor.ID }

// Version is shorthand for the installed descriptor version.
func (p InstalledPlugin) Version() string { return p.Descriptor.Version }

func (p InstalledPlugin) clone() InstalledPlugin {
	p.Descriptor = p.Descriptor.Clone()
	return p
}

// Public returns a copy stripped of the module instance.
func (p InstalledPlugin) Public() InstalledPlugin {
	p = p.clone()
	p.instance = nil
	return p
}

// UpdateInfo describes a pending update for an installed plugin.
type UpdateInfo struct {
	PluginID       string `json:"pluginId"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	Changelog      string `json:"changelog,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

// Stats summarises the installed set against the catalog.
type Stats struct {
	TotalInstalled int            `json:"totalInstalled"`
	ActivePlugins  int            `json:"activePlugins"`
	Updates        int            `json:"updatesAvailable"`
	CatalogSize    int            `json:"catalogSize"`
	Categories     map[string]int `json:"categories"`
	Authors        map[string]int `json:"authors"`
}
