package domain

import "time"

// AllComponents is the sentinel component meaning every component of a
// product belongs to the project.
const AllComponents = "__ALL__"

type Team struct {
	ID   int64
	Name string
	Slug string
}

type Project struct {
	ID         int64
	TeamID     int64
	Name       string
	Slug       string
	HasBacklog bool
}

// BZProduct maps a tracker product/component pair to a project backlog.
type BZProduct struct {
	ID        int64
	ProjectID int64
	Name      string
	Component string
}

type Sprint struct {
	ID          int64
	TeamID      int64
	Name        string
	Slug        string
	StartDate   time.Time
	EndDate     time.Time
	Notes       string
	NotesHTML   string
	CreatedDate time.Time
}

type SprintAction int16

const (
	SprintActionAdded SprintAction = iota
	SprintActionRemoved
)

func (a SprintAction) String() string {
	if a == SprintActionRemoved {
		return "removed"
	}
	return "added"
}

// BugSprintLog is an immutable audit record of a bug entering or leaving
// a sprint. Written once per membership transition, never updated.
type BugSprintLog struct {
	ID        int64
	BugID     int64
	SprintID  int64
	Action    SprintAction
	Timestamp time.Time
}

// FieldChange is a single field delta within a history entry.
type FieldChange struct {
	FieldName string `json:"field_name"`
	Removed   string `json:"removed"`
	Added     string `json:"added"`
}

// ChangeSet is one entry of a bug's change history.
type ChangeSet struct {
	When    time.Time     `json:"when"`
	Changes []FieldChange `json:"changes"`
}

// Bug mirrors a single tracker bug. The external id is the primary key.
type Bug struct {
	ID              int64
	Product         string
	Component       string
	AssignedTo      string
	Status          string
	Resolution      string
	Summary         string
	Whiteboard      string
	Priority        string
	Severity        string
	TargetMilestone string
	Blocks          []int64
	DependsOn       []int64
	History         []ChangeSet
	CommentsCount   int
	CreationTime    *time.Time
	LastChangeTime  *time.Time
	LastSyncedTime  time.Time

	StoryUser      string
	StoryComponent string
	StoryPoints    int

	AddedManually bool
	SprintID      *int64
	ProjectID     *int64

	phistory   []Checkpoint
	phistoryOK bool
}

// SetHistory replaces the change history and drops the memoized
// points-history so it gets recomputed on next use.
func (b *Bug) SetHistory(h []ChangeSet) {
	b.History = h
	b.phistory = nil
	b.phistoryOK = false
}

// DeriveStoryData fills the story_* fields from the whiteboard. The story
// component falls back to the tracker's own component when the whiteboard
// doesn't name one.
func (b *Bug) DeriveStoryData() {
	sd := ParseStory(b.Whiteboard)
	b.StoryUser = sd.User
	b.StoryComponent = sd.Component
	if b.StoryComponent == "" {
		b.StoryComponent = b.Component
	}
	b.StoryPoints = sd.Points
}

// HasScrumData reports whether the whiteboard carries at least one
// recognized scrum tag.
func (b *Bug) HasScrumData() bool {
	raw := ParseWhiteboard(b.Whiteboard)
	for _, tag := range []string{"u", "c", "p", "s"} {
		if _, ok := raw[tag]; ok {
			return true
		}
	}
	return false
}
