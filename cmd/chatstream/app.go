package main

import (
	"net/http"

	"github.com/go-go-golems/chatstream/pkg/config"
	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/provider"
	"github.com/go-go-golems/chatstream/pkg/reqclient"
	"github.com/go-go-golems/chatstream/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// app holds everything built from settings. close releases it in reverse
// order of construction.
type app struct {
	settings *config.Settings
	store    convstore.Store
	bus      eventbus.Bus
	svc      *stream.Service
}

func newStore(s config.StoreSettings) (convstore.Store, error) {
	switch s.Backend {
	case config.StoreMemory:
		return convstore.NewInMemoryStore(), nil
	case config.StoreSQLite:
		dsn, err := convstore.SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return convstore.NewSQLiteStore(dsn)
	case config.StoreHTTP:
		return convstore.NewHTTPStore(convstore.HTTPStoreOptions{
			BaseURL: s.URL,
			Token:   s.Token,
			Client:  reqclient.New(nil),
			Request: reqclient.Config{
				Timeout:    s.Timeout,
				Retries:    s.Retries,
				RetryDelay: s.RetryDelay,
			},
		})
	default:
		return nil, errors.Errorf("unknown store backend %q", s.Backend)
	}
}

func newApp(settings *config.Settings) (*app, error) {
	store, err := newStore(settings.Store)
	if err != nil {
		return nil, errors.Wrap(err, "open conversation store")
	}
	bus, err := eventbus.New(settings.Redis)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "create event bus")
	}

	var counter stream.TokenCounter
	if enc := settings.Stream.TokenEncoding; enc != "" && enc != "none" {
		counter, err = stream.NewTiktokenCounter(enc)
		if err != nil {
			log.Warn().Err(err).Msg("token counting disabled")
			counter = nil
		}
	}

	svc, err := stream.NewService(stream.Options{
		Store:           store,
		Provider:        provider.NewOpenAI(settings.Provider.BaseURL, &http.Client{}, nil),
		Bus:             bus,
		SystemPrompt:    settings.Provider.SystemPrompt,
		DefaultModel:    settings.Provider.Model,
		GracePeriod:     settings.Stream.GracePeriod,
		CleanupInterval: settings.Stream.CleanupInterval,
		TokenCounter:    counter,
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, err
	}
	return &app{settings: settings, store: store, bus: bus, svc: svc}, nil
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		log.Error().Err(err).Msg("stream service close error")
	}
	if err := a.bus.Close(); err != nil {
		log.Error().Err(err).Msg("event bus close error")
	}
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
	}
}
