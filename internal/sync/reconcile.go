package sync

import (
	"sort"

	"github.com/mozilla/scrumbugz/internal/domain"
)

// Reconcile diffs a sprint's current membership against a desired set.
// toAdd is desired minus current, toRemove is current minus desired.
// Bugs in both sets are untouched. Output is sorted by bug id so audit
// logs come out deterministic.
func Reconcile(current, desired []*domain.Bug) (toAdd, toRemove []*domain.Bug) {
	curByID := make(map[int64]*domain.Bug, len(current))
	for _, b := range current {
		curByID[b.ID] = b
	}
	desByID := make(map[int64]*domain.Bug, len(desired))
	for _, b := range desired {
		desByID[b.ID] = b
	}
	for id, b := range desByID {
		if _, ok := curByID[id]; !ok {
			toAdd = append(toAdd, b)
		}
	}
	for id, b := range curByID {
		if _, ok := desByID[id]; !ok {
			toRemove = append(toRemove, b)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].ID < toAdd[j].ID })
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].ID < toRemove[j].ID })
	return toAdd, toRemove
}
