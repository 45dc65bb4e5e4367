package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository {
	return &Repository{db: d, log: log}
}

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil {
		return errors.New("advisory unlock returned false")
	}
	return err
}

// ---- Bugs ----

const bugColumns = `id, product, component, assigned_to, status, resolution, summary,
	whiteboard, priority, severity, target_milestone, blocks, depends_on,
	history, comments_count, creation_time, last_change_time, last_synced_time,
	story_user, story_component, story_points, added_manually, sprint_id, project_id`

func scanBug(row pgx.Row) (*domain.Bug, error) {
	var b domain.Bug
	var history []byte
	err := row.Scan(&b.ID, &b.Product, &b.Component, &b.AssignedTo, &b.Status, &b.Resolution,
		&b.Summary, &b.Whiteboard, &b.Priority, &b.Severity, &b.TargetMilestone,
		&b.Blocks, &b.DependsOn, &history, &b.CommentsCount,
		&b.CreationTime, &b.LastChangeTime, &b.LastSyncedTime,
		&b.StoryUser, &b.StoryComponent, &b.StoryPoints, &b.AddedManually,
		&b.SprintID, &b.ProjectID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		var h []domain.ChangeSet
		if err := json.Unmarshal(history, &h); err != nil {
			return nil, err
		}
		b.SetHistory(h)
	}
	return &b, nil
}

func (r *Repository) UpsertBug(ctx context.Context, b *domain.Bug) error {
	history, err := json.Marshal(b.History)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO bugs(id, product, component, assigned_to, status, resolution, summary,
			whiteboard, priority, severity, target_milestone, blocks, depends_on,
			history, comments_count, creation_time, last_change_time, last_synced_time,
			story_user, story_component, story_points, added_manually, sprint_id, project_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT(id) DO UPDATE SET
			product=EXCLUDED.product,
			component=EXCLUDED.component,
			assigned_to=EXCLUDED.assigned_to,
			status=EXCLUDED.status,
			resolution=EXCLUDED.resolution,
			summary=EXCLUDED.summary,
			whiteboard=EXCLUDED.whiteboard,
			priority=EXCLUDED.priority,
			severity=EXCLUDED.severity,
			target_milestone=EXCLUDED.target_milestone,
			blocks=EXCLUDED.blocks,
			depends_on=EXCLUDED.depends_on,
			history=EXCLUDED.history,
			comments_count=EXCLUDED.comments_count,
			creation_time=EXCLUDED.creation_time,
			last_change_time=EXCLUDED.last_change_time,
			last_synced_time=EXCLUDED.last_synced_time,
			story_user=EXCLUDED.story_user,
			story_component=EXCLUDED.story_component,
			story_points=EXCLUDED.story_points,
			added_manually=EXCLUDED.added_manually,
			sprint_id=EXCLUDED.sprint_id,
			project_id=EXCLUDED.project_id`
	_, err = r.db.Pool.Exec(ctx, q, b.ID, b.Product, b.Component, b.AssignedTo, b.Status,
		b.Resolution, b.Summary, b.Whiteboard, b.Priority, b.Severity, b.TargetMilestone,
		b.Blocks, b.DependsOn, history, b.CommentsCount, b.CreationTime, b.LastChangeTime,
		b.LastSyncedTime, b.StoryUser, b.StoryComponent, b.StoryPoints, b.AddedManually,
		b.SprintID, b.ProjectID)
	return err
}

// GetBug returns nil without error when the bug isn't mirrored locally.
func (r *Repository) GetBug(ctx context.Context, id int64) (*domain.Bug, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id=$1`, id)
	b, err := scanBug(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *Repository) GetBugs(ctx context.Context, ids []int64) ([]*domain.Bug, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT `+bugColumns+` FROM bugs WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBugs(rows)
}

func collectBugs(rows pgx.Rows) ([]*domain.Bug, error) {
	var out []*domain.Bug
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteBug(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM bugs WHERE id=$1`, id)
	return err
}

// UpdateBugPlacement moves a bug between sprints/backlogs without
// touching the mirrored tracker fields. addedManually records whether
// the placement came from a person rather than the pipeline.
func (r *Repository) UpdateBugPlacement(ctx context.Context, bugID int64, sprintID, projectID *int64, addedManually bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bugs SET sprint_id=$2, project_id=$3, added_manually=$4 WHERE id=$1`,
		bugID, sprintID, projectID, addedManually)
	return err
}

func (r *Repository) BugsInSprint(ctx context.Context, sprintID int64) ([]*domain.Bug, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+bugColumns+` FROM bugs WHERE sprint_id=$1 ORDER BY id`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBugs(rows)
}

// BacklogBugs are a project's bugs not currently in any sprint.
func (r *Repository) BacklogBugs(ctx context.Context, projectID int64) ([]*domain.Bug, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+bugColumns+` FROM bugs WHERE project_id=$1 AND sprint_id IS NULL ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBugs(rows)
}

// BugsBlockedBy returns ids of bugs whose depends_on references any of
// the given ids.
func (r *Repository) BugsBlockedBy(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM bugs WHERE depends_on && $1 ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- Sprint audit log ----

func (r *Repository) InsertBugSprintLog(ctx context.Context, l domain.BugSprintLog) error {
	ts := l.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO bug_sprint_logs(bug_id, sprint_id, action, timestamp) VALUES($1,$2,$3,$4)`,
		l.BugID, l.SprintID, int16(l.Action), ts)
	return err
}

func (r *Repository) SprintLogsForBug(ctx context.Context, bugID int64) ([]domain.BugSprintLog, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, bug_id, sprint_id, action, timestamp FROM bug_sprint_logs WHERE bug_id=$1 ORDER BY id`, bugID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BugSprintLog
	for rows.Next() {
		var l domain.BugSprintLog
		var action int16
		if err := rows.Scan(&l.ID, &l.BugID, &l.SprintID, &action, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Action = domain.SprintAction(action)
		out = append(out, l)
	}
	return out, rows.Err()
}

// ---- Teams / projects / sprints ----

func (r *Repository) CreateTeam(ctx context.Context, t *domain.Team) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO teams(name, slug) VALUES($1,$2) RETURNING id`, t.Name, t.Slug).Scan(&t.ID)
}

func (r *Repository) TeamBySlug(ctx context.Context, slug string) (*domain.Team, error) {
	var t domain.Team
	err := r.db.Pool.QueryRow(ctx, `SELECT id, name, slug FROM teams WHERE slug=$1`, slug).
		Scan(&t.ID, &t.Name, &t.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO projects(team_id, name, slug, has_backlog) VALUES($1,$2,$3,$4) RETURNING id`,
		p.TeamID, p.Name, p.Slug, p.HasBacklog).Scan(&p.ID)
}

func (r *Repository) ProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	var p domain.Project
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, team_id, name, slug, has_backlog FROM projects WHERE slug=$1`, slug).
		Scan(&p.ID, &p.TeamID, &p.Name, &p.Slug, &p.HasBacklog)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) AddBZProduct(ctx context.Context, bp *domain.BZProduct) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO bz_products(project_id, name, component) VALUES($1,$2,$3)
		 ON CONFLICT (project_id, name, component) DO UPDATE SET name=EXCLUDED.name
		 RETURNING id`,
		bp.ProjectID, bp.Name, bp.Component).Scan(&bp.ID)
}

// BZProducts lists every product/component membership row, in id order.
func (r *Repository) BZProducts(ctx context.Context) ([]domain.BZProduct, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, project_id, name, component FROM bz_products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BZProduct
	for rows.Next() {
		var bp domain.BZProduct
		if err := rows.Scan(&bp.ID, &bp.ProjectID, &bp.Name, &bp.Component); err != nil {
			return nil, err
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// LookupProjects returns the projects whose product/component membership
// covers the given pair. Enumeration order follows bz_products insertion
// order; callers take the first match.
func (r *Repository) LookupProjects(ctx context.Context, product, component string) ([]domain.Project, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT p.id, p.team_id, p.name, p.slug, p.has_backlog
		FROM bz_products bp
		JOIN projects p ON p.id = bp.project_id
		WHERE bp.name = $1 AND (bp.component = $2 OR bp.component = $3)
		ORDER BY bp.id`, product, component, domain.AllComponents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	seen := map[int64]struct{}{}
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Name, &p.Slug, &p.HasBacklog); err != nil {
			return nil, err
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) CreateSprint(ctx context.Context, s *domain.Sprint) error {
	if s.CreatedDate.IsZero() {
		s.CreatedDate = time.Now().UTC()
	}
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO sprints(team_id, name, slug, start_date, end_date, notes, notes_html, created_date)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		s.TeamID, s.Name, s.Slug, s.StartDate, s.EndDate, s.Notes, s.NotesHTML, s.CreatedDate).Scan(&s.ID)
}

const sprintColumns = `id, team_id, name, slug, start_date, end_date, notes, notes_html, created_date`

func scanSprint(row pgx.Row) (*domain.Sprint, error) {
	var s domain.Sprint
	err := row.Scan(&s.ID, &s.TeamID, &s.Name, &s.Slug, &s.StartDate, &s.EndDate,
		&s.Notes, &s.NotesHTML, &s.CreatedDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) SprintByID(ctx context.Context, id int64) (*domain.Sprint, error) {
	return scanSprint(r.db.Pool.QueryRow(ctx,
		`SELECT `+sprintColumns+` FROM sprints WHERE id=$1`, id))
}

func (r *Repository) SprintBySlug(ctx context.Context, teamID int64, slug string) (*domain.Sprint, error) {
	return scanSprint(r.db.Pool.QueryRow(ctx,
		`SELECT `+sprintColumns+` FROM sprints WHERE team_id=$1 AND slug=$2`, teamID, slug))
}

func (r *Repository) SprintByTeamAndSlug(ctx context.Context, teamSlug, sprintSlug string) (*domain.Sprint, error) {
	return scanSprint(r.db.Pool.QueryRow(ctx, `
		SELECT s.id, s.team_id, s.name, s.slug, s.start_date, s.end_date, s.notes, s.notes_html, s.created_date
		FROM sprints s JOIN teams t ON t.id = s.team_id
		WHERE t.slug=$1 AND s.slug=$2`, teamSlug, sprintSlug))
}

// SaveSprintStats persists the recomputed aggregate blob on the sprint.
func (r *Repository) SaveSprintStats(ctx context.Context, sprintID int64, blob []byte) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sprints SET bugs_data_cache=$2 WHERE id=$1`, sprintID, blob)
	return err
}

func (r *Repository) UpdateSprintNotes(ctx context.Context, sprintID int64, notes, notesHTML string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sprints SET notes=$2, notes_html=$3 WHERE id=$1`,
		sprintID, notes, notesHTML)
	return err
}

// ---- Product catalog ----

type CatalogEntry struct {
	Product   string
	Component string
}

// ReplaceCatalog syncs the mirrored product/component catalog, deleting
// rows no longer reported by the tracker.
func (r *Repository) ReplaceCatalog(ctx context.Context, entries []CatalogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM bz_catalog`); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	const q = `INSERT INTO bz_catalog(product, component) VALUES($1,$2) ON CONFLICT DO NOTHING`
	for _, e := range entries {
		batch.Queue(q, e.Product, e.Component)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) CatalogComponents(ctx context.Context, product string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT component FROM bz_catalog WHERE product=$1 ORDER BY component`, product)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- Job runs ----

func (r *Repository) StartJobRun(ctx context.Context, kind string) (int64, error) {
	const q = `INSERT INTO job_runs(kind, started_at, success) VALUES($1, now(), false) RETURNING id`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, kind).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Repository) FinishJobRun(ctx context.Context, id int64, bugsSynced int, success bool, errStr string) error {
	const q = `UPDATE job_runs SET finished_at=now(), bugs_synced=$2, success=$3, error=$4 WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, bugsSynced, success, errStr)
	return err
}

type LastRun struct {
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	BugsSynced int        `json:"bugs_synced"`
	Success    bool       `json:"success"`
	Error      string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*LastRun, error) {
	const q = `SELECT kind, started_at, finished_at, coalesce(bugs_synced,0),
		coalesce(success,false), coalesce(error,'')
		FROM job_runs ORDER BY id DESC LIMIT 1`
	lr := &LastRun{}
	err := r.db.Pool.QueryRow(ctx, q).
		Scan(&lr.Kind, &lr.StartedAt, &lr.FinishedAt, &lr.BugsSynced, &lr.Success, &lr.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lr, nil
}
