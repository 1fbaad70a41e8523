package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const feed = `{
  "plugins": [
    {"id": "barcode", "name": "Barcode", "version": "1.2.0", "main": "builtin:barcode",
     "category": "circulation", "tags": ["scanner"], "rating": 4.5, "downloads": 12,
     "versions": [{"version": "1.1.0"}, {"version": "1.2.0", "channel": "stable"}]},
    {"id": "", "name": "nameless"},
    {"id": 7},
    {"id": "theme", "name": "Theme", "version": "0.1.0", "main": "lua:theme.lua"}
  ]
}`

func TestParseCatalogSkipsMalformedEntries(t *testing.T) {
	entries, err := ParseCatalog([]byte(feed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff([]string{"barcode", "theme"}, ids(entries)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if entries[0].Category != "circulation" || entries[0].Rating != 4.5 || len(entries[0].Versions) != 2 {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	rel, ok := entries[0].Release("latest")
	if !ok || rel.Version != "1.2.0" || rel.Channel != "stable" {
		t.Fatalf("unexpected latest release %+v", rel)
	}
	if _, ok := entries[0].Release("9.9.9"); ok {
		t.Fatal("unknown release should not resolve")
	}
}

func TestParseCatalogRejectsInvalidFeed(t *testing.T) {
	for _, raw := range []string{"not json", `{"items": []}`} {
		if _, err := ParseCatalog([]byte(raw)); !errors.Is(err, ErrCatalogUnavailable) {
			t.Errorf("ParseCatalog(%q) = %v, want catalog unavailable", raw, err)
		}
	}
}

func TestHTTPCatalog(t *testing.T) {
	var fetches, downloads atomic.Int32
	var reported map[string]any
	reportedCh := make(chan struct{}, 1)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/catalog":
			fetches.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"plugins":[{"id":"remote","name":"Remote","version":"2.0.0","main":"builtin:remote",
				"versions":[{"version":"2.0.0","downloadUrl":"` + srv.URL + `/releases/remote-2.0.0.json"}]}]}`))
		case "/releases/remote-2.0.0.json":
			_ = json.NewEncoder(w).Encode(Descriptor{ID: "remote", Name: "Remote", Version: "2.0.0", Main: "builtin:remote", Author: "ops"})
		case "/api/stats/download":
			downloads.Add(1)
			_ = json.NewDecoder(r.Body).Decode(&reported)
			reportedCh <- struct{}{}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewHTTPCatalog(srv.URL+"/", srv.Client())
	entries, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "remote" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	desc, err := c.Descriptor(ctx, entries[0], "")
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if desc.Author != "ops" || desc.Version != "2.0.0" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
	if err := c.ReportDownload(ctx, "remote", "2.0.0"); err != nil {
		t.Fatalf("report: %v", err)
	}
	select {
	case <-reportedCh:
	case <-time.After(time.Second):
		t.Fatal("download report not received")
	}
	if reported["pluginId"] != "remote" || downloads.Load() != 1 || fetches.Load() != 1 {
		t.Fatalf("unexpected report %v (downloads=%d fetches=%d)", reported, downloads.Load(), fetches.Load())
	}

	broken := NewHTTPCatalog(srv.URL+"/missing", srv.Client())
	if _, err := broken.Fetch(ctx); !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected catalog unavailable, got %v", err)
	}
}

func TestHTTPCatalogFetchSurvivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"plugins":[{"id":"remote","name":"Remote","version":"1.0.0","main":"builtin:remote"}]}`))
	}))
	defer srv.Close()
	c := NewHTTPCatalog(srv.URL, srv.Client())

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(firstCtx)
		firstErr <- err
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("catalog request not received")
	}

	type result struct {
		entries []CatalogEntry
		err     error
	}
	second := make(chan result, 1)
	go func() {
		entries, err := c.Fetch(context.Background())
		second <- result{entries, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller should see context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second caller failed: %v", res.err)
		}
		if len(res.entries) != 1 || res.entries[0].ID != "remote" {
			t.Fatalf("unexpected entries %+v", res.entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
}
