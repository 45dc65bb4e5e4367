package sync

import (
	"context"
	"testing"
	"time"

	"github.com/mozilla/scrumbugz/internal/adapters/bugmail"
	"github.com/mozilla/scrumbugz/internal/adapters/bugzilla"
	"github.com/mozilla/scrumbugz/internal/config"
	"github.com/mozilla/scrumbugz/internal/domain"
	"github.com/mozilla/scrumbugz/internal/repo"
	"github.com/rs/zerolog"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	bugs     map[int64]*domain.Bug
	teams    map[int64]*domain.Team
	projects map[int64]*domain.Project
	sprints  map[int64]*domain.Sprint
	members  []domain.BZProduct
	logs     []domain.BugSprintLog
	stats    map[int64][]byte
	catalog  []repo.CatalogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bugs:     map[int64]*domain.Bug{},
		teams:    map[int64]*domain.Team{},
		projects: map[int64]*domain.Project{},
		sprints:  map[int64]*domain.Sprint{},
		stats:    map[int64][]byte{},
	}
}

func (f *fakeStore) GetBug(_ context.Context, id int64) (*domain.Bug, error) {
	b, ok := f.bugs[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) GetBugs(_ context.Context, ids []int64) ([]*domain.Bug, error) {
	var out []*domain.Bug
	for _, id := range ids {
		if b, ok := f.bugs[id]; ok {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertBug(_ context.Context, b *domain.Bug) error {
	cp := *b
	f.bugs[b.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteBug(_ context.Context, id int64) error {
	delete(f.bugs, id)
	return nil
}

func (f *fakeStore) UpdateBugPlacement(_ context.Context, bugID int64, sprintID, projectID *int64, addedManually bool) error {
	if b, ok := f.bugs[bugID]; ok {
		b.SprintID = sprintID
		b.ProjectID = projectID
		b.AddedManually = addedManually
	}
	return nil
}

func (f *fakeStore) SearchBugs(_ context.Context, flt repo.BugFilter) ([]*domain.Bug, error) {
	var out []*domain.Bug
	for _, b := range f.bugs {
		if flt.Product != "" && b.Product != flt.Product {
			continue
		}
		if flt.ScrumOnly && !b.HasScrumData() {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) InsertBugSprintLog(_ context.Context, l domain.BugSprintLog) error {
	l.ID = int64(len(f.logs) + 1)
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeStore) BugsBlockedBy(_ context.Context, ids []int64) ([]int64, error) {
	want := map[int64]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []int64
	for _, b := range f.bugs {
		for _, dep := range b.DependsOn {
			if _, ok := want[dep]; ok {
				out = append(out, b.ID)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) BugsInSprint(_ context.Context, sprintID int64) ([]*domain.Bug, error) {
	var out []*domain.Bug
	for _, b := range f.bugs {
		if b.SprintID != nil && *b.SprintID == sprintID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) BacklogBugs(_ context.Context, projectID int64) ([]*domain.Bug, error) {
	var out []*domain.Bug
	for _, b := range f.bugs {
		if b.SprintID == nil && b.ProjectID != nil && *b.ProjectID == projectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) LookupProjects(_ context.Context, product, component string) ([]domain.Project, error) {
	var out []domain.Project
	seen := map[int64]struct{}{}
	for _, m := range f.members {
		if m.Name != product {
			continue
		}
		if m.Component != component && m.Component != domain.AllComponents {
			continue
		}
		if _, ok := seen[m.ProjectID]; ok {
			continue
		}
		seen[m.ProjectID] = struct{}{}
		out = append(out, *f.projects[m.ProjectID])
	}
	return out, nil
}

func (f *fakeStore) SprintByID(_ context.Context, id int64) (*domain.Sprint, error) {
	return f.sprints[id], nil
}

func (f *fakeStore) SprintBySlug(_ context.Context, teamID int64, slug string) (*domain.Sprint, error) {
	for _, s := range f.sprints {
		if s.TeamID == teamID && s.Slug == slug {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SprintByTeamAndSlug(_ context.Context, teamSlug, sprintSlug string) (*domain.Sprint, error) {
	for _, t := range f.teams {
		if t.Slug != teamSlug {
			continue
		}
		for _, s := range f.sprints {
			if s.TeamID == t.ID && s.Slug == sprintSlug {
				return s, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateSprint(_ context.Context, s *domain.Sprint) error {
	s.ID = int64(len(f.sprints) + 1)
	f.sprints[s.ID] = s
	return nil
}

func (f *fakeStore) UpdateSprintNotes(_ context.Context, sprintID int64, notes, notesHTML string) error {
	if s, ok := f.sprints[sprintID]; ok {
		s.Notes, s.NotesHTML = notes, notesHTML
	}
	return nil
}

func (f *fakeStore) SaveSprintStats(_ context.Context, sprintID int64, blob []byte) error {
	f.stats[sprintID] = blob
	return nil
}

func (f *fakeStore) TeamBySlug(_ context.Context, slug string) (*domain.Team, error) {
	for _, t := range f.teams {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ProjectBySlug(_ context.Context, slug string) (*domain.Project, error) {
	for _, p := range f.projects {
		if p.Slug == slug {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) BZProducts(_ context.Context) ([]domain.BZProduct, error) {
	return f.members, nil
}

func (f *fakeStore) ReplaceCatalog(_ context.Context, entries []repo.CatalogEntry) error {
	f.catalog = entries
	return nil
}

func (f *fakeStore) CatalogComponents(_ context.Context, product string) ([]string, error) {
	var out []string
	for _, e := range f.catalog {
		if e.Product == product {
			out = append(out, e.Component)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLastRun(_ context.Context) (*repo.LastRun, error) {
	return nil, nil
}

type fakeQueue struct {
	stats   []int64
	refetch [][]int64
}

func (q *fakeQueue) EnqueueSprintStats(id int64) { q.stats = append(q.stats, id) }
func (q *fakeQueue) EnqueueRefetch(ids []int64)  { q.refetch = append(q.refetch, ids) }

func testConfig() config.Config {
	return config.Config{
		ClosedStatuses:  []string{"RESOLVED", "VERIFIED"},
		NobodyName:      "nobody",
		SprintCacheTTL:  time.Minute,
		ProductCacheTTL: time.Minute,
	}
}

func newTestService(store *fakeStore) (*Service, *fakeQueue) {
	svc := New(testConfig(), zerolog.Nop(), store, nil, nil)
	q := &fakeQueue{}
	svc.SetTasks(q)
	return svc, q
}

// seed installs one team/project/sprint wired to product "MDN".
func seed(f *fakeStore) (*domain.Project, *domain.Sprint) {
	team := &domain.Team{ID: 1, Name: "Web Dev", Slug: "webdev"}
	f.teams[1] = team
	p := &domain.Project{ID: 1, TeamID: 1, Name: "MDN", Slug: "mdn", HasBacklog: true}
	f.projects[1] = p
	f.members = append(f.members, domain.BZProduct{ID: 1, ProjectID: 1, Name: "MDN", Component: domain.AllComponents})
	sp := &domain.Sprint{ID: 1, TeamID: 1, Name: "Sprint 2.2", Slug: "2.2",
		StartDate: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC)}
	f.sprints[1] = sp
	return p, sp
}

func TestReconcile(t *testing.T) {
	mk := func(id int64) *domain.Bug { return &domain.Bug{ID: id} }
	toAdd, toRemove := Reconcile(
		[]*domain.Bug{mk(1), mk(2), mk(3)},
		[]*domain.Bug{mk(2), mk(3), mk(4), mk(5)},
	)
	if len(toAdd) != 2 || toAdd[0].ID != 4 || toAdd[1].ID != 5 {
		t.Fatalf("toAdd = %#v", toAdd)
	}
	if len(toRemove) != 1 || toRemove[0].ID != 1 {
		t.Fatalf("toRemove = %#v", toRemove)
	}
}

func TestStoreBugs_DerivesStoryData(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)

	res := &bugzilla.Result{Bugs: []bugzilla.RawBug{{
		ID:         778465,
		Product:    "MDN",
		Component:  "Website",
		Status:     "NEW",
		Whiteboard: "u=dev c=feature p=2 s=2.2",
	}}}
	n, err := svc.StoreBugs(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stored = %d, want 1", n)
	}
	b := f.bugs[778465]
	if b == nil {
		t.Fatal("bug not stored")
	}
	if b.StoryUser != "dev" || b.StoryComponent != "feature" || b.StoryPoints != 2 {
		t.Fatalf("story data = %q/%q/%d", b.StoryUser, b.StoryComponent, b.StoryPoints)
	}
	if b.SprintID == nil || *b.SprintID != 1 {
		t.Fatalf("sprint id = %v, want 1", b.SprintID)
	}
	if b.ProjectID == nil || *b.ProjectID != 1 {
		t.Fatalf("project id = %v, want 1", b.ProjectID)
	}
	if len(f.logs) != 1 || f.logs[0].Action != domain.SprintActionAdded || f.logs[0].SprintID != 1 {
		t.Fatalf("logs = %#v", f.logs)
	}
}

func TestStoreBugs_MilestoneFallback(t *testing.T) {
	f := newFakeStore()
	seed(f)
	f.sprints[2] = &domain.Sprint{ID: 2, TeamID: 1, Slug: "2026-08-17",
		StartDate: time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)}
	svc, _ := newTestService(f)

	res := &bugzilla.Result{Bugs: []bugzilla.RawBug{{
		ID:              42,
		Product:         "MDN",
		Component:       "Website",
		Status:          "NEW",
		Whiteboard:      "p=3",
		TargetMilestone: "2026-08-17",
	}}}
	if _, err := svc.StoreBugs(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	b := f.bugs[42]
	if b.SprintID == nil || *b.SprintID != 2 {
		t.Fatalf("sprint id = %v, want 2 via milestone", b.SprintID)
	}
}

func TestStoreBugs_NonDateMilestoneIgnored(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)

	res := &bugzilla.Result{Bugs: []bugzilla.RawBug{{
		ID:              43,
		Product:         "MDN",
		Component:       "Website",
		Status:          "NEW",
		Whiteboard:      "p=3",
		TargetMilestone: "Future",
	}}}
	if _, err := svc.StoreBugs(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	if f.bugs[43].SprintID != nil {
		t.Fatalf("sprint id = %v, want nil", f.bugs[43].SprintID)
	}
}

func TestStoreBugs_NoScrumDataSkipsPlacement(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)

	res := &bugzilla.Result{Bugs: []bugzilla.RawBug{{
		ID:              44,
		Product:         "MDN",
		Component:       "Website",
		Status:          "NEW",
		TargetMilestone: "2026-08-03",
	}}}
	if _, err := svc.StoreBugs(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	if f.bugs[44].SprintID != nil {
		t.Fatalf("dataless bug placed into sprint %v", f.bugs[44].SprintID)
	}
}

func TestStoreBugs_MoveBetweenSprints(t *testing.T) {
	f := newFakeStore()
	seed(f)
	f.sprints[2] = &domain.Sprint{ID: 2, TeamID: 1, Slug: "2.3",
		StartDate: time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)}
	svc, q := newTestService(f)

	raw := bugzilla.RawBug{ID: 7, Product: "MDN", Component: "Website",
		Status: "NEW", Whiteboard: "p=1 s=2.2"}
	if _, err := svc.StoreBugs(context.Background(), &bugzilla.Result{Bugs: []bugzilla.RawBug{raw}}); err != nil {
		t.Fatal(err)
	}
	raw.Whiteboard = "p=1 s=2.3"
	if _, err := svc.StoreBugs(context.Background(), &bugzilla.Result{Bugs: []bugzilla.RawBug{raw}}); err != nil {
		t.Fatal(err)
	}

	b := f.bugs[7]
	if b.SprintID == nil || *b.SprintID != 2 {
		t.Fatalf("sprint id = %v, want 2", b.SprintID)
	}
	// one add into 2.2, then remove from 2.2 + add into 2.3
	if len(f.logs) != 3 {
		t.Fatalf("logs = %#v", f.logs)
	}
	if f.logs[1].Action != domain.SprintActionRemoved || f.logs[1].SprintID != 1 {
		t.Fatalf("second log = %#v", f.logs[1])
	}
	if f.logs[2].Action != domain.SprintActionAdded || f.logs[2].SprintID != 2 {
		t.Fatalf("third log = %#v", f.logs[2])
	}
	if len(q.stats) == 0 {
		t.Fatal("expected sprint stats refresh enqueued")
	}
}

func TestStoreBugs_SameSprintNoChurn(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)

	raw := bugzilla.RawBug{ID: 8, Product: "MDN", Component: "Website",
		Status: "NEW", Whiteboard: "p=1 s=2.2"}
	for i := 0; i < 3; i++ {
		if _, err := svc.StoreBugs(context.Background(), &bugzilla.Result{Bugs: []bugzilla.RawBug{raw}}); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.logs) != 1 {
		t.Fatalf("resync churned the audit log: %#v", f.logs)
	}
}

func TestStoreBugs_WhiteboardCleared(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)

	raw := bugzilla.RawBug{ID: 9, Product: "MDN", Component: "Website",
		Status: "NEW", Whiteboard: "u=dev c=api p=3 s=2.2"}
	if _, err := svc.StoreBugs(context.Background(), &bugzilla.Result{Bugs: []bugzilla.RawBug{raw}}); err != nil {
		t.Fatal(err)
	}
	raw.Whiteboard = ""
	if _, err := svc.StoreBugs(context.Background(), &bugzilla.Result{Bugs: []bugzilla.RawBug{raw}}); err != nil {
		t.Fatal(err)
	}

	b := f.bugs[9]
	if b.StoryUser != "" || b.StoryPoints != 0 {
		t.Fatalf("story fields should reset: %q/%d", b.StoryUser, b.StoryPoints)
	}
	// story component falls back to the tracker component
	if b.StoryComponent != "Website" {
		t.Fatalf("story component = %q", b.StoryComponent)
	}
	if svc.cls.BasicStatus(b) != domain.BasicStatusDataless {
		t.Fatalf("basic status = %s, want dataless", svc.cls.BasicStatus(b))
	}
	// placement is not touched without scrum data
	if b.SprintID == nil || *b.SprintID != 1 {
		t.Fatalf("sprint id = %v, clearing the whiteboard should not evict", b.SprintID)
	}
}

func TestStoreBugs_UnauthorizedFaultDeletes(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, _ := newTestService(f)
	f.bugs[99] = &domain.Bug{ID: 99, Product: "MDN"}

	res := &bugzilla.Result{
		Bugs:   []bugzilla.RawBug{{ID: 5, Product: "MDN", Component: "Website", Status: "NEW"}},
		Faults: []bugzilla.Fault{{ID: 99, FaultCode: bugzilla.FaultUnauthorized, FaultString: "not authorized"}},
	}
	n, err := svc.StoreBugs(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stored = %d, want 1", n)
	}
	if _, ok := f.bugs[99]; ok {
		t.Fatal("faulted bug should have been deleted")
	}
	if _, ok := f.bugs[5]; !ok {
		t.Fatal("batch should continue past faults")
	}
}

func TestSetSprintBugs_AuditCompleteness(t *testing.T) {
	f := newFakeStore()
	_, sp := seed(f)
	f.sprints[2] = &domain.Sprint{ID: 2, TeamID: 1, Slug: "2.3"}
	pid := int64(1)
	f.bugs[10] = &domain.Bug{ID: 10, ProjectID: &pid}
	svc, _ := newTestService(f)
	ctx := context.Background()

	// into 2.2, over to 2.3, back to 2.2
	if err := svc.SetSprintBugs(ctx, sp.ID, []int64{10}); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSprintBugs(ctx, 2, []int64{10}); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSprintBugs(ctx, sp.ID, []int64{10}); err != nil {
		t.Fatal(err)
	}

	var added, removed int
	for _, l := range f.logs {
		if l.BugID != 10 {
			t.Fatalf("unexpected log %#v", l)
		}
		switch l.Action {
		case domain.SprintActionAdded:
			added++
		case domain.SprintActionRemoved:
			removed++
		}
	}
	if added != 3 || removed != 2 {
		t.Fatalf("added=%d removed=%d, want 3/2", added, removed)
	}
	b := f.bugs[10]
	if b.SprintID == nil || *b.SprintID != sp.ID {
		t.Fatalf("final sprint = %v", b.SprintID)
	}
	if !b.AddedManually {
		t.Fatal("form-placed bug should be flagged added_manually")
	}
}

func TestSetSprintBugs_UnknownIDsIgnored(t *testing.T) {
	f := newFakeStore()
	_, sp := seed(f)
	f.bugs[10] = &domain.Bug{ID: 10}
	svc, _ := newTestService(f)

	if err := svc.SetSprintBugs(context.Background(), sp.ID, []int64{10, 999}); err != nil {
		t.Fatal(err)
	}
	if f.bugs[10].SprintID == nil {
		t.Fatal("known bug should be placed")
	}
	if len(f.logs) != 1 {
		t.Fatalf("logs = %#v", f.logs)
	}
}

func TestSetSprintBugs_FlagPersisted(t *testing.T) {
	f := newFakeStore()
	_, sp := seed(f)
	f.bugs[10] = &domain.Bug{ID: 10}
	svc, _ := newTestService(f)

	if err := svc.SetSprintBugs(context.Background(), sp.ID, []int64{10}); err != nil {
		t.Fatal(err)
	}
	if !f.bugs[10].AddedManually {
		t.Fatal("placement write must carry the added_manually flag to the store")
	}
}

func TestStoreBugs_ManualPlacementNotOverridden(t *testing.T) {
	f := newFakeStore()
	seed(f)
	f.sprints[2] = &domain.Sprint{ID: 2, TeamID: 1, Slug: "2.3"}
	sid := int64(2)
	pid := int64(1)
	f.bugs[11] = &domain.Bug{ID: 11, SprintID: &sid, ProjectID: &pid, AddedManually: true}
	svc, _ := newTestService(f)

	// whiteboard points at 2.2 but a person already put the bug in 2.3
	res := &bugzilla.Result{Bugs: []bugzilla.RawBug{{
		ID:         11,
		Product:    "MDN",
		Component:  "Website",
		Status:     "NEW",
		Whiteboard: "p=1 s=2.2",
	}}}
	if _, err := svc.StoreBugs(context.Background(), res); err != nil {
		t.Fatal(err)
	}
	b := f.bugs[11]
	if b.SprintID == nil || *b.SprintID != 2 {
		t.Fatalf("sprint id = %v, manual placement should stick", b.SprintID)
	}
	if len(f.logs) != 0 {
		t.Fatalf("no membership transition happened, logs = %#v", f.logs)
	}
}

func TestProcessBugmail_UnknownIDOnlyQueued(t *testing.T) {
	f := newFakeStore()
	seed(f)
	svc, q := newTestService(f)

	m := &bugmail.Message{BugID: 555, Type: "new", Product: "MDN", Component: "Website"}
	if err := svc.ProcessBugmailMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.bugs[555]; ok {
		t.Fatal("unknown bug must not leave a stub record behind")
	}
	if len(q.refetch) != 1 || q.refetch[0][0] != 555 {
		t.Fatalf("refetch queue = %v", q.refetch)
	}
}

func TestProcessBugmail_KnownIDUpdatesRouting(t *testing.T) {
	f := newFakeStore()
	seed(f)
	f.bugs[556] = &domain.Bug{ID: 556, Product: "Old", Component: "Old"}
	svc, q := newTestService(f)

	m := &bugmail.Message{BugID: 556, Type: "changed", Product: "MDN", Component: "Website"}
	if err := svc.ProcessBugmailMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if f.bugs[556].Product != "MDN" || f.bugs[556].Component != "Website" {
		t.Fatalf("routing not updated: %#v", f.bugs[556])
	}
	if len(q.refetch) != 1 {
		t.Fatalf("refetch queue = %v", q.refetch)
	}
}

type fakeFetcher struct {
	products []bugzilla.Product
}

func (f *fakeFetcher) BugsByID(_ context.Context, _ []int64) (*bugzilla.Result, error) {
	return &bugzilla.Result{}, nil
}

func (f *fakeFetcher) BugsByProduct(_ context.Context, _, _ string) (*bugzilla.Result, error) {
	return &bugzilla.Result{}, nil
}

func (f *fakeFetcher) Products(_ context.Context) ([]bugzilla.Product, error) {
	return f.products, nil
}

func TestSyncProducts_CatalogReadableAfterSync(t *testing.T) {
	f := newFakeStore()
	fetch := &fakeFetcher{products: []bugzilla.Product{
		{ID: 1, Name: "MDN", Components: []bugzilla.Component{{ID: 1, Name: "Website"}, {ID: 2, Name: "Demos"}}},
	}}
	svc := New(testConfig(), zerolog.Nop(), f, fetch, nil)
	ctx := context.Background()

	if err := svc.SyncProducts(ctx); err != nil {
		t.Fatal(err)
	}
	components, err := svc.ProductComponents(ctx, "MDN")
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 2 || components[0] != "Website" {
		t.Fatalf("components = %v", components)
	}
	if got, _ := svc.ProductComponents(ctx, "Ghost"); len(got) != 0 {
		t.Fatalf("unknown product should be empty, got %v", got)
	}
}

func TestAggregate(t *testing.T) {
	cls := domain.Classifier{Closed: domain.NewStatusSet([]string{"RESOLVED"}), Nobody: "nobody"}
	bugs := []*domain.Bug{
		{ID: 1, Status: "NEW", Whiteboard: "u=ann p=3", StoryUser: "ann", StoryComponent: "web", StoryPoints: 3, AssignedTo: "ann@example.com"},
		{ID: 2, Status: "RESOLVED", Whiteboard: "u=bob p=2", StoryUser: "bob", StoryComponent: "web", StoryPoints: 2},
		{ID: 3, Status: "NEW", Whiteboard: "u=ann"},
		{ID: 4, Status: "NEW"},
	}
	agg := Aggregate(bugs, cls)
	if agg.TotalBugs != 4 || agg.TotalPoints != 5 {
		t.Fatalf("totals = %d bugs / %d points", agg.TotalBugs, agg.TotalPoints)
	}
	if agg.ScorelessBugs != 1 || agg.DatalessBugs != 1 {
		t.Fatalf("scoreless=%d dataless=%d", agg.ScorelessBugs, agg.DatalessBugs)
	}
	if agg.PointsClosed != 2 || agg.PointsRemaining != 3 {
		t.Fatalf("closed=%d remaining=%d", agg.PointsClosed, agg.PointsRemaining)
	}
	if agg.ByUser["ann"] != 3 || agg.ByUser["bob"] != 2 {
		t.Fatalf("by user = %#v", agg.ByUser)
	}
	if agg.ByStatus[domain.BasicStatusAssigned] != 3 || agg.ByStatus[domain.BasicStatusClosed] != 2 {
		t.Fatalf("by status = %#v", agg.ByStatus)
	}
}

func TestBurndown_FlatWithoutChanges(t *testing.T) {
	sp := &domain.Sprint{
		StartDate: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC),
	}
	closed := domain.NewStatusSet([]string{"RESOLVED"})
	bugs := []*domain.Bug{
		{ID: 1, Status: "NEW", StoryPoints: 3},
		{ID: 2, Status: "NEW", StoryPoints: 2},
	}
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	pts := Burndown(sp, bugs, closed, now)
	if len(pts) != 5 {
		t.Fatalf("series length = %d, want 5", len(pts))
	}
	for _, p := range pts {
		if p.Points != 5 {
			t.Fatalf("day %s = %d, want flat 5", p.Date, p.Points)
		}
	}
}

func TestBurndown_ClampsToToday(t *testing.T) {
	sp := &domain.Sprint{
		StartDate: time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
	}
	now := time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC)
	pts := Burndown(sp, nil, domain.NewStatusSet(nil), now)
	if len(pts) != 3 {
		t.Fatalf("series length = %d, want 3 (start..today)", len(pts))
	}
}

func TestBurndown_FutureSprintEmpty(t *testing.T) {
	sp := &domain.Sprint{
		StartDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
	}
	now := time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC)
	if pts := Burndown(sp, nil, domain.NewStatusSet(nil), now); pts != nil {
		t.Fatalf("expected empty series, got %#v", pts)
	}
}

func TestSprintStats_BlockedBugs(t *testing.T) {
	f := newFakeStore()
	_, sp := seed(f)
	sid := sp.ID
	f.bugs[1] = &domain.Bug{ID: 1, Status: "NEW", Whiteboard: "p=2", StoryPoints: 2, SprintID: &sid}
	f.bugs[2] = &domain.Bug{ID: 2, Status: "NEW", Whiteboard: "p=1", StoryPoints: 1, SprintID: &sid, DependsOn: []int64{1}}
	// depends on a closed bug, not blocked
	f.bugs[3] = &domain.Bug{ID: 3, Status: "RESOLVED", Whiteboard: "p=1", StoryPoints: 1, SprintID: &sid}
	f.bugs[4] = &domain.Bug{ID: 4, Status: "NEW", Whiteboard: "p=1", StoryPoints: 1, SprintID: &sid, DependsOn: []int64{3}}
	svc, _ := newTestService(f)

	report, err := svc.SprintStats(context.Background(), "webdev", "2.2")
	if err != nil {
		t.Fatal(err)
	}
	if report == nil {
		t.Fatal("sprint not found")
	}
	if len(report.Blocked) != 1 || report.Blocked[0] != 2 {
		t.Fatalf("blocked = %v, want [2]", report.Blocked)
	}
}

func TestRefreshSprintStats_Persists(t *testing.T) {
	f := newFakeStore()
	_, sp := seed(f)
	sid := sp.ID
	pid := int64(1)
	f.bugs[1] = &domain.Bug{ID: 1, Status: "NEW", Whiteboard: "u=ann p=3",
		StoryUser: "ann", StoryComponent: "web", StoryPoints: 3,
		SprintID: &sid, ProjectID: &pid}
	svc, _ := newTestService(f)

	if err := svc.RefreshSprintStats(context.Background(), sp.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.stats[sp.ID]) == 0 {
		t.Fatal("stats blob not saved")
	}
}
