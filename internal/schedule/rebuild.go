package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"prayerd/internal/cache"
	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/trigger"
)

// Result summarizes one rebuild pass. Partial failure is reported here, not
// as an error.
type Result struct {
	PassID     string        `json:"pass_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Registered int           `json:"registered"`
	Failed     int           `json:"failed"`
	// FailedDates are days the provider could not compute.
	FailedDates []model.Date `json:"failed_dates,omitempty"`
	// Skipped is set when no location is configured; nothing was touched.
	Skipped bool `json:"skipped,omitempty"`
}

// Rebuilder applies plans to a Registrar by full replacement: cancel
// everything, then register the whole fresh plan.
type Rebuilder struct {
	scheduler *Scheduler
	registrar trigger.Registrar
	cache     *cache.Store

	// One pass at a time; cancel-then-register must not interleave.
	sem *semaphore.Weighted

	mu         sync.RWMutex
	lastPlan   Plan
	lastResult Result
	hasRun     bool
}

// NewRebuilder wires a scheduler to a registrar. store may be nil, in which
// case computed days are not memoized.
func NewRebuilder(s *Scheduler, r trigger.Registrar, store *cache.Store) *Rebuilder {
	return &Rebuilder{
		scheduler: s,
		registrar: r,
		cache:     store,
		sem:       semaphore.NewWeighted(1),
	}
}

// Rebuild runs one pass, waiting for any in-flight pass first. It returns an
// error only if ctx ends before the pass can start or while building.
func (b *Rebuilder) Rebuild(ctx context.Context, req Request) (Result, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer b.sem.Release(1)

	res := Result{PassID: uuid.NewString(), StartedAt: time.Now()}

	plan, err := b.scheduler.Build(ctx, req)
	switch {
	case errors.Is(err, model.ErrConfigurationMissing):
		appLog.Info("rebuild skipped: no location configured", "pass", res.PassID)
		res.Skipped = true
		res.Duration = time.Since(res.StartedAt)
		b.remember(plan, res)
		return res, nil
	case err != nil:
		appLog.Error("rebuild aborted", err, "pass", res.PassID)
		return res, err
	}
	res.FailedDates = plan.Failed

	if b.cache != nil && len(plan.Days) > 0 {
		if err := b.cache.MergeSets(ctx, cache.Fingerprint(*req.Coords, req.Calc), plan.Days); err != nil {
			appLog.Error("rebuild: cache merge failed", err, "pass", res.PassID)
		}
	}

	// Cancel must be attempted before any registration.
	if err := b.registrar.CancelAll(ctx); err != nil {
		appLog.Error("rebuild: cancel all failed", err, "pass", res.PassID)
	}

	for _, e := range plan.Entries {
		p := trigger.Payload{
			Event:       e.Event,
			Date:        e.Date,
			PreAlarm:    e.Kind == model.KindPreAlarm,
			LeadMinutes: e.LeadMinutes,
			PlaySound:   req.Notify.PlaySound,
		}
		if err := b.registrar.Register(ctx, e.ID, e.FireAt, p); err != nil {
			appLog.Error("rebuild: register failed", err, "pass", res.PassID, "id", e.ID)
			res.Failed++
			continue
		}
		res.Registered++
	}

	res.Duration = time.Since(res.StartedAt)
	b.remember(plan, res)

	appLog.Info("rebuild completed",
		"pass", res.PassID,
		"registered", res.Registered,
		"failed", res.Failed,
		"failed_days", len(res.FailedDates),
		"duration", res.Duration.String(),
	)
	return res, nil
}

func (b *Rebuilder) remember(plan Plan, res Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPlan = plan
	b.lastResult = res
	b.hasRun = true
}

// Last returns the plan and result of the most recent completed pass.
func (b *Rebuilder) Last() (Plan, Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPlan, b.lastResult, b.hasRun
}
