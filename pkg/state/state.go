// Package state is the application state facade: the single surface the UI
// layer talks to. It composes the synchronization engine and the session
// manager and forwards operations with the session's identity applied.
package state

import (
	"context"
	"strconv"
	"time"

	"peerchat/pkg/chat"
	"peerchat/pkg/models"
	"peerchat/pkg/session"
)

// Snapshot is a point-in-time copy of the user-visible application state.
type Snapshot struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Address  string `json:"address,omitempty"`
	Attached bool   `json:"attached"`
	Username string `json:"username,omitempty"`
	Entries  int    `json:"entries"`
}

// App exposes engine and session state/operations as one cohesive surface.
type App struct {
	engine   *chat.Engine
	sessions *session.Manager
}

// New builds the facade.
func New(engine *chat.Engine, sessions *session.Manager) *App {
	return &App{engine: engine, sessions: sessions}
}

// Engine exposes the underlying synchronization engine.
func (a *App) Engine() *chat.Engine { return a.engine }

// Sessions exposes the underlying session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Snapshot returns the current user-visible state.
func (a *App) Snapshot() Snapshot {
	username, _ := a.sessions.Current()
	return Snapshot{
		Status:   a.engine.Status(),
		Error:    a.engine.Err(),
		Address:  a.engine.Address(),
		Attached: a.engine.Attached(),
		Username: username,
		Entries:  len(a.engine.Messages()),
	}
}

// Messages returns the materialized conversation view.
func (a *App) Messages() []models.Message { return a.engine.Messages() }

// Connect attaches the engine to the log at addressOrName.
func (a *App) Connect(ctx context.Context, addressOrName string) error {
	return a.engine.Attach(ctx, addressOrName)
}

// CreateLog opens a fresh conversation log under a generated name and
// attaches to it, returning the new log's address.
func (a *App) CreateLog(ctx context.Context) (string, error) {
	name := "log-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := a.engine.Attach(ctx, name); err != nil {
		return "", err
	}
	return a.engine.Address(), nil
}

// Send appends a message authored by the active session's display name.
func (a *App) Send(ctx context.Context, content string) error {
	username, ok := a.sessions.Current()
	if !ok {
		return session.ErrNotAuthenticated
	}
	author := a.sessions.Profile().Name
	if author == "" {
		author = username
	}
	return a.engine.Send(ctx, author, content)
}

// Refresh reconciles the view against the attached log.
func (a *App) Refresh(ctx context.Context) error { return a.engine.Refresh(ctx) }

// LoadOlderPage loads the next older page into the view.
func (a *App) LoadOlderPage(ctx context.Context) ([]models.Message, error) {
	return a.engine.LoadOlderPage(ctx)
}

// Detach drops the current log binding.
func (a *App) Detach() { a.engine.Detach() }
