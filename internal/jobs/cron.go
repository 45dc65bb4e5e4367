package jobs

import (
	"context"
	"time"

	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/repo"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type service interface {
	SyncBugmail(ctx context.Context) (int, error)
	SyncBacklogs(ctx context.Context) (int, error)
	SyncProducts(ctx context.Context) error
}

// advisory lock keys, one per job kind so a slow backlog sync doesn't
// block bugmail polling
const (
	lockBugmail  int64 = 520001
	lockBacklogs int64 = 520002
	lockProducts int64 = 520003
)

type Cron struct {
	cfg  config.Config
	log  zerolog.Logger
	svc  service
	repo *repo.Repository
	c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, r *repo.Repository) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, svc: svc, repo: r, c: c}
	_, _ = c.AddFunc(cfg.BugmailCron, cr.bugmail)
	_, _ = c.AddFunc(cfg.BacklogSyncCron, cr.backlogs)
	_, _ = c.AddFunc(cfg.ProductSyncCron, cr.products)
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

// run wraps one job invocation with a pg advisory lock for single-flight
// across replicas plus a job_runs bookkeeping row.
func (cr *Cron) run(kind string, lockKey int64, timeout time.Duration, fn func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := cr.repo.TryAdvisoryLock(ctx, lockKey)
	if err != nil {
		cr.log.Error().Err(err).Str("job", kind).Msg("cron: lock error")
		return
	}
	if !ok {
		cr.log.Info().Str("job", kind).Msg("cron: already running elsewhere")
		return
	}
	defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), lockKey) }()

	runID, err := cr.repo.StartJobRun(ctx, kind)
	if err != nil {
		cr.log.Error().Err(err).Str("job", kind).Msg("cron: job_runs insert failed")
	}
	cr.log.Info().Str("job", kind).Msg("cron: start")
	n, err := fn(ctx)
	errStr := ""
	if err != nil {
		errStr = err.Error()
		cr.log.Error().Err(err).Str("job", kind).Msg("cron: job failed")
	} else {
		cr.log.Info().Str("job", kind).Int("bugs", n).Msg("cron: done")
	}
	if runID != 0 {
		if ferr := cr.repo.FinishJobRun(context.Background(), runID, n, err == nil, errStr); ferr != nil {
			cr.log.Error().Err(ferr).Str("job", kind).Msg("cron: job_runs update failed")
		}
	}
}

func (cr *Cron) bugmail() {
	cr.run("bugmail", lockBugmail, 5*time.Minute, cr.svc.SyncBugmail)
}

func (cr *Cron) backlogs() {
	cr.run("backlogs", lockBacklogs, 30*time.Minute, cr.svc.SyncBacklogs)
}

func (cr *Cron) products() {
	cr.run("products", lockProducts, 10*time.Minute, func(ctx context.Context) (int, error) {
		return 0, cr.svc.SyncProducts(ctx)
	})
}
