package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/resolver"
	"github.com/sells-group/linkresolver/internal/service"
	"github.com/sells-group/linkresolver/internal/service/internetarchive"
	"github.com/sells-group/linkresolver/internal/store"
	"github.com/sells-group/linkresolver/pkg/archive"
)

// resolverEnv holds the store, service collection, resolver and dispatcher
// needed by the serve/resolve/status commands.
type resolverEnv struct {
	Store      store.Store
	Labels     *model.LabelVocabulary
	Services   *service.Collection
	Resolver   *resolver.Resolver
	Dispatcher *resolver.Dispatcher
}

// Close releases resources held by the environment.
func (e *resolverEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured backend.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "linkresolver.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// newArchiveClient builds the Internet Archive client shared by every
// InternetArchive service.
func newArchiveClient(c *config.Config) archive.Client {
	ia := c.InternetArchive
	opts := []archive.Option{
		archive.WithRateLimit(ia.RatePerSec),
	}
	if ia.BaseURL != "" {
		opts = append(opts, archive.WithBaseURL(ia.BaseURL))
	}
	if ia.SearchURL != "" {
		opts = append(opts, archive.WithSearchURL(ia.SearchURL))
	}
	if ia.TimeoutSecs > 0 {
		opts = append(opts, archive.WithHTTPClient(&http.Client{Timeout: time.Duration(ia.TimeoutSecs) * time.Second}))
	}
	// The dispatcher retries transient failures around the whole service
	// run, so the client makes a single attempt.
	return archive.NewClient(opts...)
}

// newFactories registers every built-in service type.
func newFactories(c *config.Config) *service.Factories {
	f := service.NewFactories()
	f.RegisterFactory(service.TypeStatic, service.NewStatic)
	f.RegisterFactory(internetarchive.Type, internetarchive.Factory(newArchiveClient(c), c.InternetArchive))
	return f
}

// initResolver validates the config for mode, opens and migrates the store,
// loads the label vocabulary and service groups, and builds the resolver.
// Callers should defer env.Close().
func initResolver(ctx context.Context, mode string) (*resolverEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	labels, err := registry.LoadLabels(cfg.Labels.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load labels")
	}

	groups, err := registry.LoadServicesFromFile(cfg.Services.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load services")
	}
	services, err := service.NewCollection(groups, newFactories(cfg))
	if err != nil {
		return nil, eris.Wrap(err, "build services")
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	zap.L().Info("resolver initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("labels", labels.Len()),
		zap.Int("services", len(services.Definitions())),
	)

	r := resolver.New(st, labels, services, resolver.Options{ProtectTerminal: cfg.Dispatch.ProtectTerminal})
	return &resolverEnv{
		Store:      st,
		Labels:     labels,
		Services:   services,
		Resolver:   r,
		Dispatcher: resolver.NewDispatcher(cfg.Dispatch),
	}, nil
}
