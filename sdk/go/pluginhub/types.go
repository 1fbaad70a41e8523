package pluginhub

import (
	"fmt"
	"time"
)

// Dependency names a plugin id and the minimum compatible version.
type Dependency struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// IncompatibleDependency is a dependency whose installed version is not compatible.
type IncompatibleDependency struct {
	Dependency
	Installed string `json:"installed"`
}

// Descriptor is the plugin metadata returned by the API.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	Main         string       `json:"main"`
	Permissions  []string     `json:"permissions,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Release is one published version of a catalog entry.
type Release struct {
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ReleasedAt  string `json:"releasedAt,omitempty"`
}

// CatalogEntry is a plugin advertised by the marketplace.
type CatalogEntry struct {
	Descriptor
	Category      string    `json:"category,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Rating        float64   `json:"rating"`
	Downloads     int64     `json:"downloads"`
	Price         float64   `json:"price"`
	Compatibility []string  `json:"compatibility,omitempty"`
	LastUpdated   string    `json:"lastUpdated,omitempty"`
	Changelog     string    `json:"changelog,omitempty"`
	Versions      []Release `json:"versions,omitempty"`
}

// InstalledPlugin is an installed plugin record.
type InstalledPlugin struct {
	Descriptor  Descriptor `json:"descriptor"`
	InstallDate time.Time  `json:"installDate"`
	Active      bool       `json:"active"`
}

// UpdateInfo describes a pending update.
type UpdateInfo struct {
	PluginID       string `json:"pluginId"`
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
	Changelog      string `json:"changelog,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

// Stats summarises the installed set.
type Stats struct {
	TotalInstalled int            `json:"totalInstalled"`
	ActivePlugins  int            `json:"activePlugins"`
	Updates        int            `json:"updatesAvailable"`
	CatalogSize    int            `json:"catalogSize"`
	Categories     map[string]int `json:"categories"`
	Authors        map[string]int `json:"authors"`
}

// SearchOptions narrows a catalog search. Zero values are omitted.
type SearchOptions struct {
	Query         string
	Category      string
	Tag           string
	Author        string
	MinRating     *float64
	MaxPrice      *float64
	Compatibility string
	Sort          string
	Ascending     bool
}

// Strategy selects how unmet dependencies are handled on install.
type Strategy string

const (
	StrategyInstall Strategy = "install"
	StrategyFail    Strategy = "fail"
)

// APIError is the decoded error body of a failed request.
type APIError struct {
	StatusCode   int                      `json:"-"`
	Code         string                   `json:"code"`
	Message      string                   `json:"message"`
	Missing      []Dependency             `json:"missing,omitempty"`
	Incompatible []IncompatibleDependency `json:"incompatible,omitempty"`
	Cycle        []string                 `json:"cycle,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pluginhub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pluginhub api error (%d): %s", e.StatusCode, e.Message)
}
