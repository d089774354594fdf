package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/pipeline"
)

// RunFunc performs one archiver run
type RunFunc func(ctx context.Context) (pipeline.RunResult, error)

// Scheduler repeats archiver runs every interval until its context is done
type Scheduler struct {
	interval     time.Duration
	tick         time.Duration
	run          RunFunc
	stateManager *StateManager
	log          *logrus.Entry
}

// NewScheduler creates a scheduler keeping its state in stateDir
func NewScheduler(stateDir string, interval time.Duration, run RunFunc, log *logrus.Entry) *Scheduler {
	s := &Scheduler{
		interval:     interval,
		run:          run,
		stateManager: NewStateManager(stateDir),
		log:          log.WithField("component", "watch"),
	}
	s.tick = s.calculateTickInterval()
	return s
}

// State exposes the persisted run history
func (s *Scheduler) State() *StateManager { return s.stateManager }

// Run blocks until ctx is done, starting a run whenever one is due.
// A failed run is recorded and retried on the next due time.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}
	s.log.Infof("Starting watch mode, one run every %s", FormatInterval(s.interval))

	s.runIfDue(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			return nil
		case <-ticker.C:
			s.runIfDue(ctx)
		}
	}
}

func (s *Scheduler) runIfDue(ctx context.Context) {
	if ctx.Err() != nil || !s.stateManager.ShouldRun(s.interval) {
		return
	}
	result, err := s.run(ctx)
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		// Interrupted runs are not recorded so the next start runs immediately
		return
	}
	if err != nil {
		s.log.Errorf("Scheduled run failed: %v", err)
	}
	s.stateManager.Record(result, err)
	if err := s.stateManager.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
}

// calculateTickInterval returns how often to check whether a run is due
func (s *Scheduler) calculateTickInterval() time.Duration {
	// Check at least every minute, or every 1/10th of the interval
	checkInterval := s.interval / 10
	if checkInterval < time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval > 10*time.Minute {
		checkInterval = 10 * time.Minute
	}
	return checkInterval
}

func (s *Scheduler) logNextRun() {
	next := s.stateManager.NextRunTime(s.interval)
	until := time.Until(next)
	if until < 0 {
		until = 0
	}
	s.log.Infof("Next run in %v (at %s)", until.Round(time.Second), next.Format("15:04:05"))
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string, additionally accepting a day suffix such as 1d or 2d6h
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %s", s)
		}
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n < 1 || days <= 0 {
		return 0, fmt.Errorf("invalid interval format: %s", s)
	}
	d = time.Duration(days) * 24 * time.Hour
	if remaining != "" {
		extra, err := time.ParseDuration(remaining)
		if err != nil {
			return 0, fmt.Errorf("invalid interval format: %s", s)
		}
		d += extra
	}
	return d, nil
}
