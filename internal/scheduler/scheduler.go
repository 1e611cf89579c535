// Package scheduler abstracts timers so periodic queue passes and backoff
// delays can be driven deterministically in tests.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Scheduler runs functions periodically, once, or after a delay. Returned
// cancel functions are safe to call more than once.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
	Once(fn func())
	After(delay time.Duration, fn func()) (cancel func())
}

// CronScheduler runs periodic jobs on a robfig/cron instance and delays on
// time.AfterFunc.
type CronScheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewCronScheduler creates and starts a CronScheduler. A nil logger uses
// slog.Default().
func NewCronScheduler(logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	c := cronlib.New(
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
	)
	c.Start()
	return &CronScheduler{cron: c, logger: logger}
}

// Every implements Scheduler. Overlapping runs of the same job are skipped.
func (s *CronScheduler) Every(interval time.Duration, fn func()) func() {
	id := s.cron.Schedule(cronlib.Every(interval), cronlib.FuncJob(fn))
	s.logger.Debug("periodic job scheduled",
		"component", "scheduler",
		"action", "job_scheduled",
		"interval", interval,
		"entry_id", int(id),
	)
	var once sync.Once
	return func() {
		once.Do(func() { s.cron.Remove(id) })
	}
}

// Once implements Scheduler.
func (s *CronScheduler) Once(fn func()) {
	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// After implements Scheduler. A delay that fires after Stop is dropped.
func (s *CronScheduler) After(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, func() {
		if !s.track() {
			return
		}
		defer s.wg.Done()
		fn()
	})
	return func() { timer.Stop() }
}

// Stop halts periodic jobs and waits for running jobs and fired delays.
func (s *CronScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *CronScheduler) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// Timers is a Scheduler with no shared background state: every job owns
// its timer or ticker, and cancelling it releases them. It needs no Stop,
// which makes it the default for components built without a scheduler.
type Timers struct{}

// Every implements Scheduler.
func (Timers) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Once implements Scheduler.
func (Timers) Once(fn func()) {
	go fn()
}

// After implements Scheduler.
func (Timers) After(delay time.Duration, fn func()) func() {
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, append([]interface{}{"component", "scheduler"}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"component", "scheduler", "error", err}, keysAndValues...)...)
}
