// Package tasks runs fire-and-forget background work so the synchronous
// bug update pipeline never blocks on stats recomputation or refetches.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives the queued work. Implemented by the sync service.
type Handler interface {
	RefreshSprintStats(ctx context.Context, sprintID int64) error
	RefetchBugs(ctx context.Context, ids []int64) error
}

type Queue struct {
	log zerolog.Logger
	h   Handler

	mu           sync.Mutex
	pendingStats map[int64]struct{}
	statsKick    chan struct{}
	refetchCh    chan []int64
	quit         chan struct{}
	wg           sync.WaitGroup
}

func New(log zerolog.Logger, h Handler) *Queue {
	return &Queue{
		log:          log,
		h:            h,
		pendingStats: map[int64]struct{}{},
		statsKick:    make(chan struct{}, 1),
		refetchCh:    make(chan []int64, 256),
		quit:         make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.wg.Add(2)
	go q.statsLoop()
	go q.refetchLoop()
}

func (q *Queue) Stop() {
	close(q.quit)
	q.wg.Wait()
}

// EnqueueSprintStats schedules a stats recomputation for the sprint.
// Requests for the same sprint still pending are coalesced; recomputing
// is idempotent so collapsing duplicates is safe.
func (q *Queue) EnqueueSprintStats(sprintID int64) {
	q.mu.Lock()
	q.pendingStats[sprintID] = struct{}{}
	q.mu.Unlock()
	select {
	case q.statsKick <- struct{}{}:
	default:
	}
}

// EnqueueRefetch schedules a tracker refetch for the given bug ids.
func (q *Queue) EnqueueRefetch(ids []int64) {
	if len(ids) == 0 {
		return
	}
	select {
	case q.refetchCh <- ids:
	default:
		q.log.Warn().Int("n", len(ids)).Msg("tasks: refetch queue full, dropping batch")
	}
}

func (q *Queue) drainStats() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pendingStats) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(q.pendingStats))
	for id := range q.pendingStats {
		ids = append(ids, id)
	}
	q.pendingStats = map[int64]struct{}{}
	return ids
}

func (q *Queue) statsLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-q.statsKick:
			for _, id := range q.drainStats() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := q.h.RefreshSprintStats(ctx, id); err != nil {
					q.log.Error().Err(err).Int64("sprint", id).Msg("tasks: stats refresh failed")
				}
				cancel()
			}
		}
	}
}

func (q *Queue) refetchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case ids := <-q.refetchCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if err := q.h.RefetchBugs(ctx, ids); err != nil {
				q.log.Error().Err(err).Ints64("bugs", ids).Msg("tasks: refetch failed")
			}
			cancel()
		}
	}
}
