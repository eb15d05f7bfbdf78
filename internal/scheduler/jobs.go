package scheduler

import (
	"context"
)

// Evaluator is the slice of challenge.Evaluator the jobs drive.
type Evaluator interface {
	ResetDay(ctx context.Context) error
	Sweep(ctx context.Context) error
}

// Probe is a periodic health check, such as the outage watchdog.
type Probe interface {
	Check(ctx context.Context) error
}

// Specs overrides the default cron specs; empty fields keep the default.
type Specs struct {
	DailyReset string `yaml:"daily_reset"`
	Sweep      string `yaml:"sweep"`
	Watchdog   string `yaml:"watchdog"`
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Register adds the daily reset and evaluation sweep, plus the watchdog when
// wd is non-nil.
func (s *Scheduler) Register(ev Evaluator, wd Probe, specs Specs) error {
	if err := s.Add("daily_reset", or(specs.DailyReset, DailyResetSpec), ev.ResetDay); err != nil {
		return err
	}
	if err := s.Add("evaluation_sweep", or(specs.Sweep, SweepSpec), ev.Sweep); err != nil {
		return err
	}
	if wd == nil {
		return nil
	}
	return s.Add("outage_watchdog", or(specs.Watchdog, WatchdogSpec), wd.Check)
}
