// Package sync holds the bug update pipeline: everything between a raw
// tracker payload and a consistent local mirror with sprint placements,
// audit logs and refreshed stats.
package sync

import (
	"bytes"
	"context"
	"errors"

	"github.com/mozilla/scrumbugz/internal/adapters/bugmail"
	"github.com/mozilla/scrumbugz/internal/adapters/bugzilla"
	"github.com/mozilla/scrumbugz/internal/cache"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/mozilla/scrumbugz/internal/repo"
	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetBug(ctx context.Context, id int64) (*domain.Bug, error)
	GetBugs(ctx context.Context, ids []int64) ([]*domain.Bug, error)
	UpsertBug(ctx context.Context, b *domain.Bug) error
	DeleteBug(ctx context.Context, id int64) error
	UpdateBugPlacement(ctx context.Context, bugID int64, sprintID, projectID *int64, addedManually bool) error
	SearchBugs(ctx context.Context, f repo.BugFilter) ([]*domain.Bug, error)
	InsertBugSprintLog(ctx context.Context, l domain.BugSprintLog) error
	BugsInSprint(ctx context.Context, sprintID int64) ([]*domain.Bug, error)
	BugsBlockedBy(ctx context.Context, ids []int64) ([]int64, error)
	BacklogBugs(ctx context.Context, projectID int64) ([]*domain.Bug, error)
	LookupProjects(ctx context.Context, product, component string) ([]domain.Project, error)
	SprintByID(ctx context.Context, id int64) (*domain.Sprint, error)
	SprintBySlug(ctx context.Context, teamID int64, slug string) (*domain.Sprint, error)
	SprintByTeamAndSlug(ctx context.Context, teamSlug, sprintSlug string) (*domain.Sprint, error)
	CreateSprint(ctx context.Context, s *domain.Sprint) error
	UpdateSprintNotes(ctx context.Context, sprintID int64, notes, notesHTML string) error
	SaveSprintStats(ctx context.Context, sprintID int64, blob []byte) error
	TeamBySlug(ctx context.Context, slug string) (*domain.Team, error)
	ProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
	BZProducts(ctx context.Context) ([]domain.BZProduct, error)
	ReplaceCatalog(ctx context.Context, entries []repo.CatalogEntry) error
	CatalogComponents(ctx context.Context, product string) ([]string, error)
	GetLastRun(ctx context.Context) (*repo.LastRun, error)
}

// ErrNotFound marks lookups whose subject doesn't exist locally.
var ErrNotFound = errors.New("not found")

// Fetcher is the tracker-side collaborator.
type Fetcher interface {
	BugsByID(ctx context.Context, ids []int64) (*bugzilla.Result, error)
	BugsByProduct(ctx context.Context, product, component string) (*bugzilla.Result, error)
	Products(ctx context.Context) ([]bugzilla.Product, error)
}

// Mailer drains pending bugmail notifications.
type Mailer interface {
	Enabled() bool
	Fetch(ctx context.Context) ([]*bugmail.Message, error)
}

// TaskQueue decouples slow follow-up work from the request path.
type TaskQueue interface {
	EnqueueSprintStats(sprintID int64)
	EnqueueRefetch(ids []int64)
}

type Service struct {
	cfg   config.Config
	log   zerolog.Logger
	store Store
	fetch Fetcher
	mail  Mailer
	tasks TaskQueue
	cls   domain.Classifier

	sprintCache  *cache.Cache
	projectCache *cache.Cache
	md           goldmark.Markdown
}

func New(cfg config.Config, log zerolog.Logger, store Store, fetch Fetcher, mail Mailer) *Service {
	return &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		fetch: fetch,
		mail:  mail,
		cls: domain.Classifier{
			Closed: domain.NewStatusSet(cfg.ClosedStatuses),
			Nobody: cfg.NobodyName,
		},
		sprintCache:  cache.New(cfg.SprintCacheTTL),
		projectCache: cache.New(cfg.ProductCacheTTL),
		md:           goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// SetTasks wires the queue after construction; the queue's handler is
// this service, so the two can't be built in one shot.
func (s *Service) SetTasks(q TaskQueue) { s.tasks = q }

func (s *Service) Classifier() domain.Classifier { return s.cls }

func (s *Service) renderNotes(notes string) string {
	if notes == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(notes), &buf); err != nil {
		s.log.Warn().Err(err).Msg("notes render failed")
		return ""
	}
	return buf.String()
}

// CreateSprint renders the markdown notes and persists the sprint.
func (s *Service) CreateSprint(ctx context.Context, sp *domain.Sprint) error {
	sp.NotesHTML = s.renderNotes(sp.Notes)
	return s.store.CreateSprint(ctx, sp)
}

// UpdateSprintNotes replaces a sprint's notes and re-renders the HTML.
func (s *Service) UpdateSprintNotes(ctx context.Context, sprintID int64, notes string) error {
	return s.store.UpdateSprintNotes(ctx, sprintID, notes, s.renderNotes(notes))
}

// CreateSprintForTeam resolves the owning team by slug and creates the
// sprint under it.
func (s *Service) CreateSprintForTeam(ctx context.Context, teamSlug string, sp *domain.Sprint) error {
	t, err := s.store.TeamBySlug(ctx, teamSlug)
	if err != nil {
		return err
	}
	if t == nil {
		return ErrNotFound
	}
	sp.TeamID = t.ID
	return s.CreateSprint(ctx, sp)
}

func (s *Service) LastRun(ctx context.Context) (*repo.LastRun, error) {
	return s.store.GetLastRun(ctx)
}
