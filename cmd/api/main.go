package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozilla/scrumbugz/internal/adapters/bugmail"
	"github.com/mozilla/scrumbugz/internal/adapters/bugzilla"
	"github.com/mozilla/scrumbugz/internal/config"
	httpapi "github.com/mozilla/scrumbugz/internal/http"
	"github.com/mozilla/scrumbugz/internal/jobs"
	"github.com/mozilla/scrumbugz/internal/logger"
	"github.com/mozilla/scrumbugz/internal/repo"
	"github.com/mozilla/scrumbugz/internal/sync"
	"github.com/mozilla/scrumbugz/internal/tasks"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)

	// Adapters
	bz := bugzilla.NewClient(cfg, log)
	var mail sync.Mailer
	if p := bugmail.NewPoller(cfg, log); p.Enabled() {
		mail = p
	} else {
		log.Info().Msg("bugmail polling disabled, webhook only")
	}

	// Services; the task queue's handler is the service itself, so wire
	// it in two steps.
	svc := sync.New(cfg, log, repository, bz, mail)
	queue := tasks.New(log, svc)
	svc.SetTasks(queue)
	queue.Start()
	defer queue.Stop()

	// HTTP server (Gin)
	router := httpapi.NewRouter(cfg, log, svc)

	// Cron
	cron := jobs.NewCron(cfg, log, svc, repository)
	cron.Start()
	defer cron.Stop()

	// graceful shutdown
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	time.Sleep(500 * time.Millisecond)
}
