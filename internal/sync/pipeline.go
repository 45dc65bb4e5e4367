package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mozilla/scrumbugz/internal/adapters/bugmail"
	"github.com/mozilla/scrumbugz/internal/adapters/bugzilla"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/mozilla/scrumbugz/internal/repo"
)

// Sprint slugs double as target milestones when they look like a date.
var milestoneRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// sprintSlugFor extracts the sprint a bug wants to be in. The explicit
// whiteboard tag wins; a date-shaped target milestone is the fallback.
func sprintSlugFor(b *domain.Bug) string {
	raw := domain.ParseWhiteboard(b.Whiteboard)
	if slug, ok := raw["s"]; ok {
		return slug
	}
	if milestoneRe.MatchString(b.TargetMilestone) {
		return b.TargetMilestone
	}
	return ""
}

// StoreBugs runs a fetched batch through the pipeline. Per-item failures
// are logged and skipped so one bad bug can't wedge a whole sync.
// Returns the number of bugs stored.
func (s *Service) StoreBugs(ctx context.Context, res *bugzilla.Result) (int, error) {
	touched := map[int64]struct{}{}
	stored := 0
	for i := range res.Bugs {
		if err := ctx.Err(); err != nil {
			return stored, err
		}
		if err := s.storeBug(ctx, &res.Bugs[i], touched); err != nil {
			s.log.Error().Err(err).Int64("bug", res.Bugs[i].ID).Msg("store bug failed")
			continue
		}
		stored++
	}
	for _, f := range res.Faults {
		if f.FaultCode == bugzilla.FaultUnauthorized {
			// the bug went private; drop the local mirror
			if err := s.store.DeleteBug(ctx, f.ID); err != nil {
				s.log.Error().Err(err).Int64("bug", f.ID).Msg("delete faulted bug failed")
				continue
			}
			s.log.Warn().Int64("bug", f.ID).Msg("bug no longer accessible, removed")
			continue
		}
		s.log.Warn().Int64("bug", f.ID).Int("fault", f.FaultCode).
			Str("msg", f.FaultString).Msg("bug fetch fault")
	}
	for sprintID := range touched {
		s.sprintCache.Invalidate(statsKey(sprintID))
		if s.tasks != nil {
			s.tasks.EnqueueSprintStats(sprintID)
		}
	}
	return stored, nil
}

func (s *Service) storeBug(ctx context.Context, raw *bugzilla.RawBug, touched map[int64]struct{}) error {
	b, err := s.store.GetBug(ctx, raw.ID)
	if err != nil {
		return err
	}
	if b == nil {
		b = &domain.Bug{ID: raw.ID}
	}
	oldSprint := b.SprintID

	b.Product = raw.Product
	b.Component = raw.Component
	b.AssignedTo = raw.AssignedTo
	b.Status = raw.Status
	b.Resolution = raw.Resolution
	b.Summary = raw.Summary
	b.Whiteboard = raw.Whiteboard
	b.Priority = raw.Priority
	b.Severity = raw.Severity
	b.TargetMilestone = raw.TargetMilestone
	b.Blocks = raw.Blocks
	b.DependsOn = raw.DependsOn
	b.CommentsCount = raw.CommentsCount
	b.CreationTime = raw.CreationTime
	b.LastChangeTime = raw.LastChangeTime
	b.SetHistory(raw.History)
	b.LastSyncedTime = time.Now().UTC()
	b.DeriveStoryData()

	if err := s.placeBug(ctx, b); err != nil {
		return err
	}
	if err := s.store.UpsertBug(ctx, b); err != nil {
		return err
	}
	if sprintChanged(oldSprint, b.SprintID) {
		if err := s.logSprintChange(ctx, b.ID, oldSprint, b.SprintID); err != nil {
			return err
		}
		if oldSprint != nil {
			touched[*oldSprint] = struct{}{}
		}
		if b.SprintID != nil {
			touched[*b.SprintID] = struct{}{}
		}
	} else if b.SprintID != nil {
		touched[*b.SprintID] = struct{}{}
	}
	return nil
}

// placeBug resolves the bug's sprint placement from its scrum tags.
// A bug with no recognizable target, or one already sitting in the
// named sprint, keeps its current placement. Manually placed bugs are
// left alone entirely.
func (s *Service) placeBug(ctx context.Context, b *domain.Bug) error {
	if b.AddedManually {
		return nil
	}
	if !b.HasScrumData() {
		return nil
	}
	slug := sprintSlugFor(b)
	if slug == "" {
		return nil
	}
	if b.SprintID != nil {
		cur, err := s.sprintByID(ctx, *b.SprintID)
		if err != nil {
			return err
		}
		if cur != nil && cur.Slug == slug {
			return nil
		}
	}
	projects, err := s.lookupProjects(ctx, b.Product, b.Component)
	if err != nil {
		return err
	}
	for i := range projects {
		sp, err := s.store.SprintBySlug(ctx, projects[i].TeamID, slug)
		if err != nil {
			return err
		}
		if sp != nil {
			b.SprintID = &sp.ID
			b.ProjectID = &projects[i].ID
			return nil
		}
	}
	// no team owns a sprint by that slug; leave the bug where it is
	return nil
}

func sprintChanged(a, b *int64) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

// logSprintChange records one membership transition: a removal from the
// old sprint and an addition to the new one.
func (s *Service) logSprintChange(ctx context.Context, bugID int64, from, to *int64) error {
	now := time.Now().UTC()
	if from != nil {
		err := s.store.InsertBugSprintLog(ctx, domain.BugSprintLog{
			BugID: bugID, SprintID: *from, Action: domain.SprintActionRemoved, Timestamp: now,
		})
		if err != nil {
			return err
		}
	}
	if to != nil {
		err := s.store.InsertBugSprintLog(ctx, domain.BugSprintLog{
			BugID: bugID, SprintID: *to, Action: domain.SprintActionAdded, Timestamp: now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sprintByID(ctx context.Context, id int64) (*domain.Sprint, error) {
	key := fmt.Sprintf("sprint:%d", id)
	if v, ok := s.sprintCache.Get(key); ok {
		return v.(*domain.Sprint), nil
	}
	sp, err := s.store.SprintByID(ctx, id)
	if err != nil || sp == nil {
		return sp, err
	}
	s.sprintCache.Set(key, sp)
	return sp, nil
}

func (s *Service) lookupProjects(ctx context.Context, product, component string) ([]domain.Project, error) {
	key := "projects:" + product + "/" + component
	if v, ok := s.projectCache.Get(key); ok {
		return v.([]domain.Project), nil
	}
	projects, err := s.store.LookupProjects(ctx, product, component)
	if err != nil {
		return nil, err
	}
	s.projectCache.Set(key, projects)
	return projects, nil
}

// SetSprintBugs reconciles a sprint's membership against an explicit id
// list, e.g. from the sprint edit form. Unknown ids are ignored. Bugs
// placed this way are flagged as manually added so automatic placement
// doesn't fight the user.
func (s *Service) SetSprintBugs(ctx context.Context, sprintID int64, ids []int64) error {
	current, err := s.store.BugsInSprint(ctx, sprintID)
	if err != nil {
		return err
	}
	desired, err := s.store.GetBugs(ctx, ids)
	if err != nil {
		return err
	}
	toAdd, toRemove := Reconcile(current, desired)
	touched := map[int64]struct{}{sprintID: {}}
	for _, b := range toRemove {
		if err := s.store.UpdateBugPlacement(ctx, b.ID, nil, b.ProjectID, b.AddedManually); err != nil {
			return err
		}
		if err := s.logSprintChange(ctx, b.ID, &sprintID, nil); err != nil {
			return err
		}
	}
	for _, b := range toAdd {
		from := b.SprintID
		sid := sprintID
		if err := s.store.UpdateBugPlacement(ctx, b.ID, &sid, b.ProjectID, true); err != nil {
			return err
		}
		if err := s.logSprintChange(ctx, b.ID, from, &sid); err != nil {
			return err
		}
		if from != nil {
			touched[*from] = struct{}{}
		}
	}
	for id := range touched {
		s.sprintCache.Invalidate(statsKey(id))
		if s.tasks != nil {
			s.tasks.EnqueueSprintStats(id)
		}
	}
	return nil
}

// RefetchBugs pulls fresh copies of the given bugs from the tracker and
// runs them through the pipeline.
func (s *Service) RefetchBugs(ctx context.Context, ids []int64) error {
	res, err := s.fetch.BugsByID(ctx, ids)
	if err != nil {
		return err
	}
	_, err = s.StoreBugs(ctx, res)
	return err
}

// SyncBugmail drains the bugmail mailbox and queues refetches for every
// referenced bug. Returns the number of messages processed.
func (s *Service) SyncBugmail(ctx context.Context) (int, error) {
	if s.mail == nil || !s.mail.Enabled() {
		return 0, nil
	}
	msgs, err := s.mail.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		if err := s.ProcessBugmailMessage(ctx, m); err != nil {
			s.log.Error().Err(err).Int64("bug", m.BugID).Msg("bugmail process failed")
		}
	}
	return len(msgs), nil
}

// ProcessBugmailMessage refreshes the routing facts from one
// notification and queues a full refetch. Unknown ids are only queued;
// the mirror row is created when the refetch delivers real data, so a
// failed refetch can't leave a phantom empty bug behind.
func (s *Service) ProcessBugmailMessage(ctx context.Context, m *bugmail.Message) error {
	b, err := s.store.GetBug(ctx, m.BugID)
	if err != nil {
		return err
	}
	if b != nil {
		if m.Product != "" {
			b.Product = m.Product
		}
		if m.Component != "" {
			b.Component = m.Component
		}
		if err := s.store.UpsertBug(ctx, b); err != nil {
			return err
		}
	}
	if s.tasks != nil {
		s.tasks.EnqueueRefetch([]int64{m.BugID})
	}
	return nil
}

// SyncBacklogs walks every product/component membership and re-syncs its
// bugs. One failing product doesn't stop the rest. Returns the total
// number of bugs stored.
func (s *Service) SyncBacklogs(ctx context.Context) (int, error) {
	memberships, err := s.store.BZProducts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, bp := range memberships {
		res, err := s.fetch.BugsByProduct(ctx, bp.Name, bp.Component)
		if err != nil {
			s.log.Error().Err(err).Str("product", bp.Name).Str("component", bp.Component).
				Msg("backlog fetch failed")
			continue
		}
		n, err := s.StoreBugs(ctx, res)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SyncProducts refreshes the mirrored product/component catalog.
func (s *Service) SyncProducts(ctx context.Context) error {
	products, err := s.fetch.Products(ctx)
	if err != nil {
		return err
	}
	var rows []repo.CatalogEntry
	for _, p := range products {
		for _, c := range p.Components {
			rows = append(rows, repo.CatalogEntry{Product: p.Name, Component: c.Name})
		}
	}
	if err := s.store.ReplaceCatalog(ctx, rows); err != nil {
		return err
	}
	s.projectCache.Flush()
	return nil
}

func statsKey(sprintID int64) string {
	return fmt.Sprintf("stats:%d", sprintID)
}

// SprintReport is the payload behind the sprint stats endpoint.
type SprintReport struct {
	Sprint    *domain.Sprint  `json:"sprint"`
	Aggregate AggregateData   `json:"aggregate"`
	Burndown  []BurndownPoint `json:"burndown"`
	// Blocked lists sprint bugs that depend on a still-open bug in the
	// same sprint.
	Blocked []int64 `json:"blocked"`
}

// RefreshSprintStats recomputes and persists a sprint's cached stats.
// Called from the task queue after syncs touch the sprint.
func (s *Service) RefreshSprintStats(ctx context.Context, sprintID int64) error {
	sp, err := s.store.SprintByID(ctx, sprintID)
	if err != nil {
		return err
	}
	if sp == nil {
		return nil
	}
	report, err := s.buildReport(ctx, sp)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if err := s.store.SaveSprintStats(ctx, sprintID, blob); err != nil {
		return err
	}
	s.sprintCache.Set(statsKey(sprintID), report)
	return nil
}

func (s *Service) buildReport(ctx context.Context, sp *domain.Sprint) (*SprintReport, error) {
	bugs, err := s.store.BugsInSprint(ctx, sp.ID)
	if err != nil {
		return nil, err
	}
	blocked, err := s.blockedInSprint(ctx, bugs)
	if err != nil {
		return nil, err
	}
	return &SprintReport{
		Sprint:    sp,
		Aggregate: Aggregate(bugs, s.cls),
		Burndown:  Burndown(sp, bugs, s.cls.Closed, time.Now().UTC()),
		Blocked:   blocked,
	}, nil
}

func (s *Service) blockedInSprint(ctx context.Context, bugs []*domain.Bug) ([]int64, error) {
	var openIDs []int64
	inSprint := make(map[int64]struct{}, len(bugs))
	for _, b := range bugs {
		inSprint[b.ID] = struct{}{}
		if !s.cls.IsClosed(b.Status) {
			openIDs = append(openIDs, b.ID)
		}
	}
	if len(openIDs) == 0 {
		return nil, nil
	}
	dependents, err := s.store.BugsBlockedBy(ctx, openIDs)
	if err != nil {
		return nil, err
	}
	var blocked []int64
	for _, id := range dependents {
		if _, ok := inSprint[id]; ok {
			blocked = append(blocked, id)
		}
	}
	return blocked, nil
}

// SprintStats returns the stats for one sprint, serving the cached copy
// when fresh.
func (s *Service) SprintStats(ctx context.Context, teamSlug, sprintSlug string) (*SprintReport, error) {
	sp, err := s.store.SprintByTeamAndSlug(ctx, teamSlug, sprintSlug)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, nil
	}
	if v, ok := s.sprintCache.Get(statsKey(sp.ID)); ok {
		return v.(*SprintReport), nil
	}
	report, err := s.buildReport(ctx, sp)
	if err != nil {
		return nil, err
	}
	s.sprintCache.Set(statsKey(sp.ID), report)
	return report, nil
}

// ProjectBacklog lists a project's unscheduled bugs with their aggregate.
func (s *Service) ProjectBacklog(ctx context.Context, projectSlug string) (*BacklogReport, error) {
	p, err := s.store.ProjectBySlug(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.HasBacklog {
		return nil, nil
	}
	bugs, err := s.store.BacklogBugs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &BacklogReport{
		Project:   p,
		Bugs:      bugs,
		Aggregate: Aggregate(bugs, s.cls),
	}, nil
}

type BacklogReport struct {
	Project   *domain.Project `json:"project"`
	Bugs      []*domain.Bug   `json:"bugs"`
	Aggregate AggregateData   `json:"aggregate"`
}

// SearchBugs queries the local mirror with a composable filter.
func (s *Service) SearchBugs(ctx context.Context, f repo.BugFilter) ([]*domain.Bug, error) {
	return s.store.SearchBugs(ctx, f)
}

// ProductComponents lists the mirrored components of a catalog product.
// Empty means the product is unknown or the catalog hasn't synced yet.
func (s *Service) ProductComponents(ctx context.Context, product string) ([]string, error) {
	return s.store.CatalogComponents(ctx, product)
}
