package domain

import "strings"

type StatusSet map[string]struct{}

func NewStatusSet(statuses []string) StatusSet {
	s := make(StatusSet, len(statuses))
	for _, st := range statuses {
		s[st] = struct{}{}
	}
	return s
}

func (s StatusSet) Contains(status string) bool {
	_, ok := s[status]
	return ok
}

const (
	BasicStatusDataless  = "dataless"
	BasicStatusScoreless = "scoreless"
	BasicStatusClosed    = "closed"
	BasicStatusAssigned  = "assigned"
	BasicStatusOpen      = "open"
)

// Classifier holds the configured status taxonomy: which tracker statuses
// count as closed, and the sentinel assignee meaning "unassigned".
type Classifier struct {
	Closed StatusSet
	Nobody string
}

func (c Classifier) IsClosed(status string) bool {
	return c.Closed.Contains(status)
}

func (c Classifier) IsAssigned(b *Bug) bool {
	name := strings.TrimSpace(b.AssignedTo)
	if name == "" || name == c.Nobody {
		return false
	}
	// tracker accounts like nobody@mozilla.org
	return !strings.HasPrefix(name, c.Nobody+"@")
}

// BasicStatus buckets a bug for aggregate views. Order matters: missing
// scrum data beats everything, then missing points, then closed.
func (c Classifier) BasicStatus(b *Bug) string {
	switch {
	case !b.HasScrumData():
		return BasicStatusDataless
	case b.StoryPoints == 0:
		return BasicStatusScoreless
	case c.IsClosed(b.Status):
		return BasicStatusClosed
	case c.IsAssigned(b):
		return BasicStatusAssigned
	default:
		return BasicStatusOpen
	}
}
