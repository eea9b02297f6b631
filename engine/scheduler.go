package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stockflow/automation/rules"
)

const defaultTickInterval = time.Minute

// Scheduler polls scheduled rules and fires each one once per cron
// occurrence. It runs as a single goroutine; deployments with multiple
// replicas must elect one instance to run it.
type Scheduler struct {
	engine   *Engine
	store    rules.RuleStore
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(engine *Engine, store rules.RuleStore, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		interval: interval,
		log:      log,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. The first tick runs immediately.
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every scheduled rule whose most recent cron occurrence falls
// inside the trailing window and has not been executed yet. A parse failure
// on one rule's expression skips that rule only.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	scheduled, err := s.store.ListScheduled(ctx)
	if err != nil {
		s.log.Error("failed to list scheduled rules", "error", err)
		return
	}

	now := s.now()
	for _, rule := range scheduled {
		sched, err := parseSchedule(rule)
		if err != nil {
			s.log.Warn("invalid cron expression, rule skipped",
				"ruleId", rule.ID, "cron", rule.CronExpr, "error", err)
			continue
		}

		if occ, due := dueOccurrence(sched, rule.LastExecutedAt, now, 2*s.interval); due {
			s.log.Info("firing scheduled rule",
				"ruleId", rule.ID, "name", rule.Name, "occurrence", occ)
			if _, err := s.engine.TriggerRule(ctx, rule, schedulePayload(rule, occ), "", ""); err != nil {
				s.log.Error("scheduled rule trigger failed", "ruleId", rule.ID, "error", err)
			}
		}

		next := sched.Next(now)
		if rule.NextScheduledAt == nil || !rule.NextScheduledAt.Equal(next) {
			if err := s.store.SetNextScheduledAt(ctx, rule.ID, &next); err != nil {
				s.log.Warn("failed to record next occurrence", "ruleId", rule.ID, "error", err)
			}
		}
	}
}

// dueOccurrence finds the most recent occurrence of sched at or before now.
// It is due when it lies within the trailing window and is newer than the
// rule's last execution, so a missed tick catches up at most one run and an
// occurrence never fires twice.
func dueOccurrence(sched cron.Schedule, last *time.Time, now time.Time, window time.Duration) (time.Time, bool) {
	var occ time.Time
	found := false
	for t := now.Add(-window); ; {
		next := sched.Next(t)
		if next.IsZero() || next.After(now) {
			break
		}
		occ = next
		found = true
		t = next
	}
	if !found {
		return time.Time{}, false
	}
	if last != nil && !occ.After(*last) {
		return time.Time{}, false
	}
	return occ, true
}

func parseSchedule(rule *rules.Rule) (cron.Schedule, error) {
	expr := strings.TrimSpace(rule.CronExpr)
	if rule.Timezone != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		expr = "CRON_TZ=" + rule.Timezone + " " + expr
	}
	return rules.CronParser.Parse(expr)
}

func schedulePayload(rule *rules.Rule, occurrence time.Time) map[string]any {
	return map[string]any{
		"eventType":  "schedule",
		"ruleId":     rule.ID,
		"ruleName":   rule.Name,
		"occurrence": occurrence.UTC().Format(time.RFC3339),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
}
