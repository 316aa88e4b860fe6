// Package scheduler runs periodic jobs on robfig/cron. A job never
// overlaps with itself: a tick that arrives while the previous run is
// still busy is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"leadbot/pkg/logx"
)

type JobFunc func(ctx context.Context) error

type entry struct {
	name     string
	spec     Spec
	fn       JobFunc
	id       cron.EntryID
	job      cron.Job
	lastRun  time.Time
	lastErr  error
	runCount int
}

// EntryInfo is a point-in-time view of one job.
type EntryInfo struct {
	Name    string
	Spec    string
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    int
}

type Scheduler struct {
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	started bool
}

func New(log logx.Logger) *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		log:     log,
		parser:  parser,
		c:       cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{log})),
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}
}

// Add registers fn under name. Adding an existing name replaces it.
func (s *Scheduler) Add(name, rawSpec string, fn JobFunc) error {
	spec, err := ParseSpec(rawSpec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	sched, err := s.schedule(spec)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, spec: spec, fn: fn}
	e.job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{s.log})).Then(cron.FuncJob(func() { s.run(e) }))
	e.id = s.c.Schedule(sched, e.job)
	s.entries[name] = e
	s.log.Info("job scheduled", logx.String("job", name), logx.String("spec", spec.String()))
	return nil
}

// Reschedule changes the schedule of an existing job, keeping its function.
func (s *Scheduler) Reschedule(name, rawSpec string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if spec, err := ParseSpec(rawSpec); err == nil && spec == e.spec {
		return nil
	}
	return s.Add(name, rawSpec, e.fn)
}

func (s *Scheduler) schedule(spec Spec) (cron.Schedule, error) {
	if spec.Kind == KindInterval {
		return cron.Every(spec.Every), nil
	}
	return s.parser.Parse(spec.Cron)
}

// Start runs every job once right away and then on its schedule. Jobs
// receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	jobs := make([]cron.Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		go j.Run()
	}
	s.c.Start()
}

// Stop halts scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.c.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers name immediately, unless it is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	go e.job.Run()
	return nil
}

func (s *Scheduler) run(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.fn(ctx)
	}()

	s.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.runCount++
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("job failed", logx.String("job", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job finished", logx.String("job", e.name), logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := EntryInfo{
			Name:    e.name,
			Spec:    e.spec.String(),
			Next:    s.c.Entry(e.id).Next,
			LastRun: e.lastRun,
			Runs:    e.runCount,
		}
		if e.lastErr != nil {
			info.LastErr = e.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
