package domain

import "time"

// Checkpoint marks the point value a bug carried from a given date on.
type Checkpoint struct {
	Date   time.Time
	Points int
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PointsHistory replays the bug's change history and returns the ordered
// checkpoints of its point value. Closing a bug checkpoints it at zero,
// reopening restores the running value. A whiteboard points change only
// emits a checkpoint while the bug is open, but the running value is
// tracked regardless so a later reopen resumes correctly.
//
// The result is memoized per instance; SetHistory invalidates it.
func (b *Bug) PointsHistory(closed StatusSet) []Checkpoint {
	if b.phistoryOK {
		return b.phistory
	}
	var phistory []Checkpoint
	cpoints := 0
	isClosed := false
	for _, cs := range b.History {
		hdate := dateOf(cs.When)
		for _, ch := range cs.Changes {
			switch ch.FieldName {
			case "status":
				nowClosed := closed.Contains(ch.Added)
				if nowClosed != isClosed {
					pts := cpoints
					if nowClosed {
						pts = 0
					}
					phistory = append(phistory, Checkpoint{Date: hdate, Points: pts})
					isClosed = nowClosed
				}
			case "whiteboard":
				pts := ParseStory(ch.Added).Points
				if pts != cpoints {
					cpoints = pts
					if !isClosed {
						phistory = append(phistory, Checkpoint{Date: hdate, Points: pts})
					}
				}
			}
		}
	}
	b.phistory = phistory
	b.phistoryOK = true
	return phistory
}

// PointsForDate returns the bug's point value as of the end of day d.
// Without history it falls back to the current story points.
func (b *Bug) PointsForDate(d time.Time, closed StatusSet) int {
	d = dateOf(d)
	cpoints := b.StoryPoints
	for _, cp := range b.PointsHistory(closed) {
		if d.Before(cp.Date) {
			return cpoints
		}
		cpoints = cp.Points
	}
	return cpoints
}
