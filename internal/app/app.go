package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/events"
	"bountyline/internal/facilitator"
	"bountyline/internal/logging"
	"bountyline/internal/mcptools"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/webhooks"
)

const shutdownTimeout = 5 * time.Second

// Options tune process wiring that does not belong in the config file.
type Options struct {
	Version   string
	LogOutput io.Writer
}

// App is a fully wired marketplace process.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Engine  *engine.Engine
	Handler http.Handler
	// Repo is nil when the journal is disabled.
	Repo *repo.Repo

	conn       *sql.DB
	dispatcher *webhooks.Dispatcher
}

// Build opens the journal (when configured) and assembles engine, API and MCP tools.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, opts.LogOutput)

	fac := facilitator.New(cfg.Facilitator.URL, cfg.Facilitator.ProbeTimeout)
	e := engine.New(fac, logger)
	e.ProbeTimeout = fac.ProbeTimeout

	a := &App{Config: cfg, Logger: logger, Engine: e}

	var reader server.EventReader
	if cfg.Events.Path != "" {
		conn, err := db.Open(db.Config{Path: cfg.Events.Path})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		a.conn = conn
		a.Repo = &repo.Repo{DB: conn}
		e.Journal = events.Writer{DB: conn}
		reader = a.Repo
		if hooks := activeHooks(cfg.Webhooks); len(hooks) > 0 {
			a.dispatcher = webhooks.New(a.Repo, hooks, cfg.WebhooksInterval, logger)
		}
	}

	tools := mcptools.New(e, opts.Version, logger)
	handler, err := server.New(server.Config{
		Engine:         e,
		Events:         reader,
		BasePath:       cfg.Server.BasePath,
		FacilitatorURL: cfg.Facilitator.URL,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Auth:           server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
		Logger:         logger,
		MCP:            tools.HTTPHandler(),
		Version:        opts.Version,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Handler = handler
	return a, nil
}

func activeHooks(in []config.WebhookConfig) []config.WebhookConfig {
	var out []config.WebhookConfig
	for _, h := range in {
		if h.Active() {
			out = append(out, h)
		}
	}
	return out
}

// Run listens on the configured address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve handles requests on ln and shuts down gracefully when ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.dispatcher != nil && a.dispatcher.Init(ctx) > 0 {
		go a.dispatcher.Loop(ctx)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	a.Logger.Info().
		Str("addr", ln.Addr().String()).
		Str("base_path", a.Config.Server.BasePath).
		Bool("journal", a.Repo != nil).
		Bool("auth", a.Config.Auth.JWTSecret != "").
		Msg("serving bountyline api")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the journal database.
func (a *App) Close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
