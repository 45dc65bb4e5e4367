package sync

import (
	"time"

	"github.com/mozilla/scrumbugz/internal/domain"
)

type BurndownPoint struct {
	Date   time.Time `json:"date"`
	Points int       `json:"points"`
}

// Burndown walks the sprint's calendar days and sums each bug's
// replayed point value per day. The series stops at today for sprints
// still in flight and is empty for sprints that haven't started.
func Burndown(s *domain.Sprint, bugs []*domain.Bug, closed domain.StatusSet, now time.Time) []BurndownPoint {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := time.Date(s.StartDate.Year(), s.StartDate.Month(), s.StartDate.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(s.EndDate.Year(), s.EndDate.Month(), s.EndDate.Day(), 0, 0, 0, 0, time.UTC)
	if end.After(today) {
		end = today
	}
	if start.After(end) {
		return nil
	}
	var out []BurndownPoint
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		total := 0
		for _, b := range bugs {
			total += b.PointsForDate(d, closed)
		}
		out = append(out, BurndownPoint{Date: d, Points: total})
	}
	return out
}

// AggregateData is the stats blob shown on sprint and backlog views.
type AggregateData struct {
	TotalBugs       int            `json:"total_bugs"`
	TotalPoints     int            `json:"total_points"`
	ScorelessBugs   int            `json:"scoreless_bugs"`
	DatalessBugs    int            `json:"dataless_bugs"`
	PointsClosed    int            `json:"points_closed"`
	PointsRemaining int            `json:"points_remaining"`
	ByStatus        map[string]int `json:"by_status"`
	ByUser          map[string]int `json:"by_user"`
	ByComponent     map[string]int `json:"by_component"`
}

// Aggregate buckets point totals by basic status, story user and story
// component. Only bugs carrying points contribute to the point sums;
// scoreless and dataless bugs are counted separately.
func Aggregate(bugs []*domain.Bug, cls domain.Classifier) AggregateData {
	agg := AggregateData{
		ByStatus:    map[string]int{},
		ByUser:      map[string]int{},
		ByComponent: map[string]int{},
	}
	for _, b := range bugs {
		agg.TotalBugs++
		switch cls.BasicStatus(b) {
		case domain.BasicStatusDataless:
			agg.DatalessBugs++
			continue
		case domain.BasicStatusScoreless:
			agg.ScorelessBugs++
			continue
		}
		agg.TotalPoints += b.StoryPoints
		agg.ByStatus[cls.BasicStatus(b)] += b.StoryPoints
		agg.ByUser[b.StoryUser] += b.StoryPoints
		agg.ByComponent[b.StoryComponent] += b.StoryPoints
		if cls.IsClosed(b.Status) {
			agg.PointsClosed += b.StoryPoints
		}
	}
	agg.PointsRemaining = agg.TotalPoints - agg.PointsClosed
	return agg
}
