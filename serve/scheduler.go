package serve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parleyops/parley/basic"
)

// Scheduler guards against pathological registrations: at most
// MaxJobsPerBot jobs per bot and no schedule firing more often than
// MinInterval.
const (
	MaxJobsPerBot = 100
	MinInterval   = time.Minute
	runTimeout    = 5 * time.Minute
)

// Accepts standard 5-field expressions and the optional 6-field form
// with a leading seconds column.
var (
	parser5 = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	parser6 = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Scheduler runs cron jobs that trigger bot scripts on fresh scopes.
type Scheduler struct {
	c       *cron.Cron
	rt      *basic.Runtime
	persist func(job ScheduledJob) error
	remove  func(botID, name string) error

	mu      sync.Mutex
	jobs    []ScheduledJob
	entries map[string]cron.EntryID  // job key → cron entry ID
	running map[string]*sync.Mutex   // job key → per-job run lock
	perBot  map[string]int
}

// NewScheduler creates a Scheduler. The persist and remove callbacks
// are called after successfully adding/removing a job so it can be
// saved to permanent storage. Either may be nil.
func NewScheduler(
	rt *basic.Runtime,
	persist func(job ScheduledJob) error,
	remove func(botID, name string) error,
) *Scheduler {
	return &Scheduler{
		c:       cron.New(),
		rt:      rt,
		persist: persist,
		remove:  remove,
		entries: make(map[string]cron.EntryID),
		running: make(map[string]*sync.Mutex),
		perBot:  make(map[string]int),
	}
}

func jobKey(botID, name string) string {
	return botID + "\x00" + name
}

// Start begins the cron runner and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	slog.Info("scheduler started")
	<-ctx.Done()
	s.c.Stop()
	slog.Info("scheduler stopped")
}

// parseSpec resolves a natural-language alias or cron expression into
// a schedule. The returned string is the canonical expression.
func parseSpec(expr string) (cron.Schedule, string, error) {
	if alias, ok := naturalToCron(expr); ok {
		expr = alias
	}
	if sched, err := parser5.Parse(expr); err == nil {
		return sched, expr, nil
	}
	sched, err := parser6.Parse(expr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, expr, nil
}

// checkInterval rejects schedules whose successive fire times are
// closer together than MinInterval.
func checkInterval(sched cron.Schedule) error {
	first := sched.Next(time.Now())
	second := sched.Next(first)
	if second.Sub(first) < MinInterval {
		return fmt.Errorf("schedule fires every %s, minimum is %s", second.Sub(first), MinInterval)
	}
	return nil
}

// AddJob resolves, validates and registers a job. A job with the same
// bot and name replaces the earlier registration.
func (s *Scheduler) AddJob(job ScheduledJob) error {
	sched, canonical, err := parseSpec(job.Cron)
	if err != nil {
		return err
	}
	if err := checkInterval(sched); err != nil {
		return err
	}
	job.Cron = canonical

	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(job.BotID, job.Name)
	if id, ok := s.entries[key]; ok {
		s.c.Remove(id)
		delete(s.entries, key)
		s.jobs = removeJob(s.jobs, job.BotID, job.Name)
		s.perBot[job.BotID]--
	}

	if s.perBot[job.BotID] >= MaxJobsPerBot {
		return fmt.Errorf("bot %q already has %d scheduled jobs", job.BotID, MaxJobsPerBot)
	}

	if job.Enabled {
		entryID := s.c.Schedule(sched, cron.FuncJob(s.makeFunc(job)))
		s.entries[key] = entryID
	}
	if _, ok := s.running[key]; !ok {
		s.running[key] = &sync.Mutex{}
	}
	s.jobs = append(s.jobs, job)
	s.perBot[job.BotID]++

	if s.persist != nil {
		if err := s.persist(job); err != nil {
			slog.Warn("scheduler: persist job failed", "bot", job.BotID, "name", job.Name, "error", err)
		}
	}

	slog.Info("scheduler: job added", "bot", job.BotID, "name", job.Name, "cron", job.Cron, "script", job.Script)
	return nil
}

// RemoveJob removes a job and calls the remove callback.
func (s *Scheduler) RemoveJob(botID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(botID, name)
	id, ok := s.entries[key]
	if !ok {
		// May exist as a disabled job (no cron entry).
		found := false
		for _, j := range s.jobs {
			if j.BotID == botID && j.Name == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("schedule %q not found for bot %q", name, botID)
		}
	} else {
		s.c.Remove(id)
		delete(s.entries, key)
	}

	s.jobs = removeJob(s.jobs, botID, name)
	s.perBot[botID]--
	delete(s.running, key)

	if s.remove != nil {
		if err := s.remove(botID, name); err != nil {
			slog.Warn("scheduler: remove job from store failed", "bot", botID, "name", name, "error", err)
		}
	}

	slog.Info("scheduler: job removed", "bot", botID, "name", name)
	return nil
}

// ListJobs returns a snapshot of all current jobs.
func (s *Scheduler) ListJobs() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// RegisterBot adds every SET SCHEDULE directive found in a bot's
// scripts, named after the declaring script.
func (s *Scheduler) RegisterBot(botID string) error {
	for _, spec := range s.rt.Schedules(botID) {
		job := ScheduledJob{
			BotID:   botID,
			Name:    spec.Script,
			Cron:    spec.Expr,
			Script:  spec.Script,
			Enabled: true,
		}
		if err := s.AddJob(job); err != nil {
			return fmt.Errorf("script %q: %w", spec.Script, err)
		}
	}
	return nil
}

// makeFunc returns the cron callback for a job. Overlapping fires of
// the same job serialize on its run lock.
func (s *Scheduler) makeFunc(job ScheduledJob) func() {
	key := jobKey(job.BotID, job.Name)
	return func() {
		s.mu.Lock()
		lock := s.running[key]
		s.mu.Unlock()
		if lock == nil {
			return
		}
		lock.Lock()
		defer lock.Unlock()

		slog.Info("scheduler: firing job", "bot", job.BotID, "name", job.Name)
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := s.rt.RunJob(ctx, job.BotID, job.Script); err != nil {
			slog.Warn("scheduler: job failed", "bot", job.BotID, "name", job.Name, "error", err)
		}
	}
}

func removeJob(jobs []ScheduledJob, botID, name string) []ScheduledJob {
	out := jobs[:0]
	for _, j := range jobs {
		if j.BotID != botID || j.Name != name {
			out = append(out, j)
		}
	}
	return out
}
