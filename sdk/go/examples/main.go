package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"PluginHub/internal/api"
	"PluginHub/internal/auth"
	"PluginHub/internal/kvstore"
	"PluginHub/pkg/plugin"
	"PluginHub/sdk/go/pluginhub"
)

func main() {
	entries := []plugin.CatalogEntry{
		{Descriptor: plugin.Descriptor{ID: "barcode-core", Name: "Barcode core", Version: "1.4.0", Main: "builtin:barcode-core"}, Category: "circulation"},
		{Descriptor: plugin.Descriptor{
			ID: "barcode-scanner", Name: "Barcode scanner", Version: "2.0.1", Main: "builtin:barcode-scanner",
			Dependencies: []plugin.Dependency{{ID: "barcode-core", Version: "1.2.0"}},
		}, Category: "circulation", Rating: 4.6},
	}
	loader := plugin.NewStaticLoader()
	for _, e := range entries {
		loader.Register(e.ID, func() plugin.Module { return plugin.BaseModule{} })
	}

	cfg := plugin.DefaultManagerConfig()
	cfg.MarketplaceURL = ""
	manager, err := plugin.NewManager(cfg,
		plugin.WithCatalog(&plugin.StaticCatalog{Entries: entries}),
		plugin.WithLoader(loader),
		plugin.WithStateStore(kvstore.NewMemoryStore()),
	)
	if err != nil {
		log.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer manager.Close(context.Background())

	authSvc, _ := auth.NewService(auth.Config{})
	srv := httptest.NewServer(api.NewServer(api.Options{Manager: manager, Auth: authSvc}).Handler())
	defer srv.Close()

	client, err := pluginhub.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	results, err := client.Search(ctx, pluginhub.SearchOptions{Query: "barcode", Sort: "rating"})
	if err != nil {
		log.Fatalf("search: %v", err)
	}
	for _, r := range results {
		fmt.Printf("catalog: %s %s (rating %.1f)\n", r.ID, r.Version, r.Rating)
	}

	if _, err := client.Install(ctx, "barcode-scanner", "", pluginhub.StrategyInstall); err != nil {
		log.Fatalf("install: %v", err)
	}
	installed, err := client.List(ctx)
	if err != nil {
		log.Fatalf("list: %v", err)
	}
	for _, p := range installed {
		fmt.Printf("installed: %s@%s active=%v\n", p.Descriptor.ID, p.Descriptor.Version, p.Active)
	}

	if err := client.Uninstall(ctx, "barcode-core", false); err != nil {
		fmt.Printf("uninstall refused: %v\n", err)
	}
	if err := client.Uninstall(ctx, "barcode-scanner", true); err != nil {
		log.Fatalf("cascade uninstall: %v", err)
	}
	stats, _ := client.Stats(ctx)
	fmt.Printf("installed after cascade: %d\n", stats.TotalInstalled)
}
