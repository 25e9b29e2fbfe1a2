package app

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"dockwatch/internal/config"
	"dockwatch/internal/docker"
	"dockwatch/internal/journal"
	"dockwatch/internal/session"
	"dockwatch/internal/target"
	"dockwatch/internal/upgrade"
	"dockwatch/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	sqldb  *sql.DB
	docker *docker.Client
	cache  *target.Cache

	web *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := journal.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := journal.Migrate(sqldb); err != nil {
		return nil, err
	}
	repo := journal.NewRepository(sqldb)

	dc := docker.NewClient(cfg.DockerSocket)
	cache := target.NewCache(dc, cfg.TargetContainer)
	orch := upgrade.New(dc, cache, logger.With("module", "upgrade"))

	stream := session.NewHandler(session.Params{
		Cache:    cache,
		Feeds:    dc,
		Actions:  orch,
		Recorder: repo,
		Title:    cfg.Title,
		LogTail:  cfg.LogTail,
		Logger:   logger.With("module", "session"),
	})
	w := web.NewServer(stream, repo, dc, cfg.FrontendPath, logger.With("module", "web"))

	app := &App{
		cfg:    cfg,
		log:    logger,
		sqldb:  sqldb,
		docker: dc,
		cache:  cache,
		web:    w,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes()}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	// Resolve once at startup so a misconfigured target shows up in the logs
	// immediately, not on the first client connect.
	if _, err := a.cache.Resolve(ctx); err != nil {
		a.log.Warn("target container not resolvable yet", "target", a.cfg.TargetContainer, "err", err)
	}

	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	_ = a.httpSrv.Shutdown(context.Background())
	return a.sqldb.Close()
}
