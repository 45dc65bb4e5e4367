package repo

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/mozilla/scrumbugz/internal/domain"
)

// BugFilter narrows a local bug search. Zero-value fields are ignored.
type BugFilter struct {
	Product   string
	Component string
	Statuses  []string
	SprintID  *int64
	ProjectID *int64
	// Backlog selects bugs placed in a project but no sprint.
	Backlog bool
	// ScrumOnly keeps bugs whose whiteboard carries at least one
	// recognized scrum tag.
	ScrumOnly bool
	Limit     uint64
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// SearchBugs queries the local mirror with a composable filter.
func (r *Repository) SearchBugs(ctx context.Context, f BugFilter) ([]*domain.Bug, error) {
	q := psql.Select(bugColumns).From("bugs").OrderBy("id")
	if f.Product != "" {
		q = q.Where(sq.Eq{"product": f.Product})
	}
	if f.Component != "" {
		q = q.Where(sq.Eq{"component": f.Component})
	}
	if len(f.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": f.Statuses})
	}
	if f.SprintID != nil {
		q = q.Where(sq.Eq{"sprint_id": *f.SprintID})
	}
	if f.ProjectID != nil {
		q = q.Where(sq.Eq{"project_id": *f.ProjectID})
	}
	if f.Backlog {
		q = q.Where("sprint_id IS NULL").Where("project_id IS NOT NULL")
	}
	if f.ScrumOnly {
		q = q.Where(sq.Or{
			sq.Like{"whiteboard": "%u=%"},
			sq.Like{"whiteboard": "%c=%"},
			sq.Like{"whiteboard": "%p=%"},
			sq.Like{"whiteboard": "%s=%"},
		})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBugs(rows)
}
