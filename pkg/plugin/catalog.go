package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/logger"
)

// Release is one published version of a catalog entry.
type Release struct {
	Version     string `json:"version"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ReleasedAt  string `json:"releasedAt,omitempty"`
}

// CatalogEntry is a descriptor plus the marketplace metadata of the feed.
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
	DownloadURL   string    `json:"downloadUrl,omitempty"`
	Versions      []Release `json:"versions,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e CatalogEntry) Clone() CatalogEntry {
	e.Descriptor = e.Descriptor.Clone()
	e.Tags = append([]string(nil), e.Tags...)
	e.Compatibility = append([]string(nil), e.Compatibility...)
	e.Versions = append([]Release(nil), e.Versions...)
	return e
}

// Updated parses LastUpdated; unparseable values sort as the zero time.
func (e CatalogEntry) Updated() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, e.LastUpdated); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Release looks up a published version. An empty or "latest" version
// resolves to the entry's current version.
func (e CatalogEntry) Release(version string) (Release, bool) {
	if version == "" || version == "latest" || version == e.Version {
		for _, r := range e.Versions {
			if r.Version == e.Version {
				if r.DownloadURL == "" {
					r.DownloadURL = e.DownloadURL
				}
				return r, true
			}
		}
		return Release{Version: e.Version, DownloadURL: e.DownloadURL}, true
	}
	for _, r := range e.Versions {
		if r.Version == version {
			return r, true
		}
	}
	return Release{}, false
}

// CatalogSource supplies catalog entries and per-version descriptors.
type CatalogSource interface {
	Fetch(ctx context.Context) ([]CatalogEntry, error)
	Descriptor(ctx context.Context, entry CatalogEntry, version string) (Descriptor, error)
}

// DownloadReporter is implemented by sources that track install counts.
type DownloadReporter interface {
	ReportDownload(ctx context.Context, id, version string) error
}

// ParseCatalog decodes a feed of the form {"plugins": [...]}. Entries that
// do not decode or carry no id are skipped and logged.
func ParseCatalog(raw []byte) ([]CatalogEntry, error) {
	if !gjson.ValidBytes(raw) {
		return nil, xerrors.New(CodeCatalogUnavailable, "catalog feed is not valid JSON")
	}
	plugins := gjson.GetBytes(raw, "plugins")
	if !plugins.IsArray() {
		return nil, xerrors.New(CodeCatalogUnavailable, "catalog feed has no plugins array")
	}
	entries := make([]CatalogEntry, 0, len(plugins.Array()))
	plugins.ForEach(func(key, value gjson.Result) bool {
		var entry CatalogEntry
		if err := json.Unmarshal([]byte(value.Raw), &entry); err != nil {
			logger.Named("catalog").Warn("skip malformed catalog entry",
				slog.Int64("index", key.Int()), slog.String("error", err.Error()))
			return true
		}
		if strings.TrimSpace(entry.ID) == "" {
			logger.Named("catalog").Warn("skip catalog entry without id", slog.Int64("index", key.Int()))
			return true
		}
		entries = append(entries, entry)
		return true
	})
	return entries, nil
}

// HTTPCatalog fetches the catalog from a marketplace over HTTP.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

// NewHTTPCatalog constructs a marketplace client. A nil client uses a 15s timeout.
func NewHTTPCatalog(baseURL string, client *http.Client) *HTTPCatalog {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPCatalog{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch downloads the catalog. Concurrent calls share one request, which
// is detached from any single caller's cancellation.
func (c *HTTPCatalog) Fetch(ctx context.Context) ([]CatalogEntry, error) {
	ch := c.group.DoChan("catalog", func() (any, error) {
		timeout := c.client.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		raw, err := c.get(fetchCtx, c.baseURL+"/api/catalog")
		if err != nil {
			return nil, err
		}
		return ParseCatalog(raw)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]CatalogEntry), nil
	}
}

// Descriptor returns the descriptor for version. Releases that publish a
// download URL are fetched; otherwise the entry's own descriptor is used.
func (c *HTTPCatalog) Descriptor(ctx context.Context, entry CatalogEntry, version string) (Descriptor, error) {
	release, ok := entry.Release(version)
	if !ok {
		return Descriptor{}, notFound("version "+version+" of plugin", entry.ID)
	}
	if release.DownloadURL == "" {
		desc := entry.Descriptor.Clone()
		desc.Version = release.Version
		return desc, nil
	}
	raw, err := c.get(ctx, release.DownloadURL)
	if err != nil {
		return Descriptor{}, err
	}
	var desc Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return Descriptor{}, xerrors.Wrap(CodeValidation, err, "decode plugin descriptor", xerrors.WithMetadata("plugin_id", entry.ID))
	}
	return desc, nil
}

// ReportDownload notifies the marketplace about an install.
func (c *HTTPCatalog) ReportDownload(ctx context.Context, id, version string) error {
	body, _ := json.Marshal(map[string]any{
		"pluginId":  id,
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stats/download", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("report download: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCatalog) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogUnavailable, err, "fetch "+url)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogUnavailable, err, "read "+url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(CodeCatalogUnavailable, fmt.Sprintf("fetch %s: status %d", url, resp.StatusCode))
	}
	return raw, nil
}

// StaticCatalog serves a fixed set of entries. Used for embedded catalogs and tests.
type StaticCatalog struct {
	Entries []CatalogEntry
	// Releases overrides descriptors per "id@version".
	Releases map[string]Descriptor
}

// Fetch implements CatalogSource.
func (s *StaticCatalog) Fetch(context.Context) ([]CatalogEntry, error) {
	out := make([]CatalogEntry, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

// Descriptor implements CatalogSource.
func (s *StaticCatalog) Descriptor(_ context.Context, entry CatalogEntry, version string) (Descriptor, error) {
	release, ok := entry.Release(version)
	if !ok {
		return Descriptor{}, notFound("version "+version+" of plugin", entry.ID)
	}
	if desc, ok := s.Releases[entry.ID+"@"+release.Version]; ok {
		return desc.Clone(), nil
	}
	desc := entry.Descriptor.Clone()
	desc.Version = release.Version
	return desc, nil
}
