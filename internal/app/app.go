// Package app wires the runtime, stores, engine, session manager and HTTP
// facade together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"

	"peerchat/pkg/chat"
	"peerchat/pkg/config"
	"peerchat/pkg/logger"
	"peerchat/pkg/replog"
	"peerchat/pkg/session"
	"peerchat/pkg/state"
	"peerchat/pkg/userdb"
)

// App encapsulates the process components and lifecycle. The log runtime is
// an explicitly owned handle injected into the adapters; nothing here is a
// process-wide singleton.
type App struct {
	cfg *config.Config

	rt       *replog.Store
	users    *userdb.Store
	engine   *chat.Engine
	sessions *session.Manager
	facade   *state.App

	srv *http.Server
}

// New opens the local replica store and builds all components. It does not
// attach the conversation log or start the HTTP server; call Run.
func New(cfg *config.Config) (*App, error) {
	rt, err := replog.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open replica store at %s: %w", cfg.Storage.DBPath, err)
	}
	users, err := userdb.Open(context.Background(), rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	engine := chat.New(rt, chat.Options{PollInterval: cfg.Log.PollInterval.Duration()})
	sessions := session.New(users)
	facade := state.New(engine, sessions)

	a := &App{
		cfg:      cfg,
		rt:       rt,
		users:    users,
		engine:   engine,
		sessions: sessions,
		facade:   facade,
	}
	return a, nil
}

// Facade exposes the application state facade (used by tests and embedders).
func (a *App) Facade() *state.App { return a.facade }

// Run attaches the bootstrap log (when configured), starts the HTTP server
// and blocks until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	if ref := a.cfg.Log.Address; ref != "" {
		if err := a.engine.Attach(ctx, ref); err != nil {
			// the engine records the error state; the service still comes
			// up so an operator can connect elsewhere
			logger.Warn("bootstrap_attach_failed", "ref", ref, "error", err)
		}
	}

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
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.srv.Shutdown(sctx)
	}
	a.engine.Detach()
	_ = a.users.Close()
	_ = a.rt.Close()
	logger.Info("shutdown_complete")
}
