package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/hungaromedia/citekeeper/internal/prober"
	"github.com/hungaromedia/citekeeper/internal/store"
)

const probeLockKey = "citekeeper:sched:probe"

// Scheduler periodically probes every distinct citation URL. A Redis lock
// keeps replicas from probing concurrently.
type Scheduler struct {
	Store  *store.Store
	Prober *prober.Prober
	Rdb    *redis.Client
	Cron   string
	Stop   chan struct{}
	logger *log.Logger
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	last, err := s.Store.LatestProbeTime(ctx)
	if err != nil {
		s.logger.Printf("warn: latest probe time: %v", err)
		return
	}
	if !isDue(s.Cron, last) {
		return
	}

	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, probeLockKey, "1", 30*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, probeLockKey)
	}
	s.RunProbe(ctx)
}

// RunProbe probes all distinct citation URLs and records the outcomes.
func (s *Scheduler) RunProbe(ctx context.Context) {
	urls, err := s.Store.ListDistinctCitationURLs(ctx)
	if err != nil {
		s.logger.Printf("probe run aborted: %v", err)
		return
	}
	s.logger.Printf("probing %d distinct citation urls", len(urls))
	results := s.Prober.ProbeAll(ctx, urls, s.Store)
	var healthy, broken int
	for _, r := range results {
		switch r.Status {
		case store.HealthStatusHealthy, store.HealthStatusSlow, store.HealthStatusRedirected:
			healthy++
		default:
			broken++
		}
	}
	s.logger.Printf("probe run finished: %d reachable, %d dead", healthy, broken)
}

// isDue determines whether a probe scheduled by cronSpec should run now given
// the last run time. Supports "@daily", "@hourly" and 5-field expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		return !expr.Next(*last).After(now)
	}
}
