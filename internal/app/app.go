// Package app wires the core components together and owns the server
// lifecycle: open storage, start the sweeper and the HTTP listener, and
// shut everything down in order on cancellation.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"weft/internal/sweeper"
	"weft/pkg/api"
	"weft/pkg/api/handlers"
	"weft/pkg/banner"
	"weft/pkg/config"
	"weft/pkg/logger"
	"weft/pkg/progressor"
	"weft/pkg/ratelimit"
	"weft/pkg/recall"
	"weft/pkg/store"
	"weft/pkg/stream"
	"weft/pkg/tokenizer"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff     config.Effective
	version string

	store  *store.Store
	engine *stream.Engine
	deps   *handlers.Deps

	srv         *http.Server
	sweepCancel context.CancelFunc
}

// New opens storage and builds the component graph. It does not start the
// listener; call Run to start and block until shutdown.
func New(eff config.Effective, version string) (*App, error) {
	_ = godotenv.Load(".env")
	logger.InitWithLevel(eff.Config.Logging.Level)

	st, err := store.Open(eff.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", eff.DBPath, err)
	}
	if _, err := progressor.Run(context.Background(), st, version); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	engine := stream.New(st, stream.Config{
		SubscriberBuffer: eff.Config.Streaming.SubscriberBuffer,
		MaxFragmentBytes: eff.Config.Streaming.MaxFragmentBytes.Int64(),
	})
	asm := &recall.Assembler{
		Store:  st,
		Text:   &recall.LexicalIndex{Store: st},
		Vector: &recall.VectorIndex{Store: st},
		Tok:    tokenizer.New(),
		Defaults: recall.Defaults{
			RecentMessages: eff.Config.Context.RecentMessages,
			SearchLimit:    eff.Config.Context.SearchLimit,
			RangeBefore:    eff.Config.Context.RangeBefore,
			RangeAfter:     eff.Config.Context.RangeAfter,
			TokenBudget:    eff.Config.Context.TokenBudget,
			MaxMessages:    eff.Config.Context.MaxMessages,
		},
	}
	deps := &handlers.Deps{
		Store:     st,
		Stream:    engine,
		Assembler: asm,
		Limiter:   ratelimit.New(eff.Config.RateLimit),
	}

	return &App{eff: eff, version: version, store: st, engine: engine, deps: deps}, nil
}

// Deps exposes the wired components, mainly for embedding Weft in a host
// process that supplies its own LanguageModel.
func (a *App) Deps() *handlers.Deps { return a.deps }

// Run starts the sweeper and the HTTP server and blocks until ctx is
// canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	cancel, err := sweeper.Start(ctx, a.store, a.engine, a.eff.Config.Sweeper)
	if err != nil {
		return err
	}
	a.sweepCancel = cancel

	banner.Print(a.eff, a.version)

	errCh := a.startHTTP()
	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) shutdown() {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store_close_error", "error", err)
	}
	logger.Info("shutdown_complete")
}

// startHTTP builds the handler, starts the listener in a goroutine and
// returns a channel carrying any fatal server error.
func (a *App) startHTTP() <-chan error {
	handler := api.Handler(a.deps, a.eff.Config.RateLimit)
	a.srv = &http.Server{Addr: a.eff.Addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	logger.Info("http_listening", "addr", a.eff.Addr)
	return errCh
}
