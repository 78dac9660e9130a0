// Package driver runs the date-by-date, goal-bounded form filling loop.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-form-autofill/locator"
	"github.com/aluiziolira/go-form-autofill/models"
	"github.com/aluiziolira/go-form-autofill/parser"
)

// FieldLocator resolves form controls by role.
type FieldLocator interface {
	Locate(ctx context.Context, role locator.Role) (locator.Element, error)
	SetDateField(ctx context.Context, isoDate string) (bool, error)
}

// ObstacleHandler clears dialogs and overlays between steps.
type ObstacleHandler interface {
	DismissKnownDialogs(ctx context.Context) (int, error)
}

// Reporter receives progress events. Emit must not block.
type Reporter interface {
	Emit(ev models.ProgressEvent)
}

// Ledger durably records registered items. The driver calls it before the
// Success event is emitted, so a new run can be seeded from it right after Done.
type Ledger interface {
	MarkProcessed(ctx context.Context, runID, date, item string) error
}

// Timings are the fixed waits around form interactions. The per-run delay comes
// from RunConfig.
type Timings struct {
	Settle       time.Duration
	DialogSettle time.Duration
	DateSettle   time.Duration
}

// DefaultTimings returns the waits the entry form needs.
func DefaultTimings() Timings {
	return Timings{
		Settle:       200 * time.Millisecond,
		DialogSettle: 300 * time.Millisecond,
		DateSettle:   1000 * time.Millisecond,
	}
}

// Options configures a Driver.
type Options struct {
	Finalize []locator.FinalizeStep
	Timings  Timings
	Metrics  *Metrics
	Ledger   Ledger
	Now      func() time.Time
	// Sleep replaces the context-aware timer wait, mainly in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Driver owns at most one run at a time.
type Driver struct {
	locator   FieldLocator
	obstacles ObstacleHandler
	reporter  Reporter
	finalize  []locator.FinalizeStep
	timings   Timings
	metrics   *Metrics
	ledger    Ledger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	pauseRequested bool
	stopRequested  bool
	// wake is closed and replaced whenever a control flag changes
	wake      chan struct{}
	state     models.RunState
	processed map[string]struct{}
	failed    map[string]struct{}
	errTypes  map[string]int
	startTime time.Time
	done      chan struct{}
	result    *models.RunResult
}

// New builds an idle Driver.
func New(fields FieldLocator, obstacles ObstacleHandler, reporter Reporter, opts Options) (*Driver, error) {
	if fields == nil {
		return nil, fmt.Errorf("field locator is required")
	}
	if obstacles == nil {
		return nil, fmt.Errorf("obstacle handler is required")
	}
	if reporter == nil {
		return nil, fmt.Errorf("progress reporter is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	done := make(chan struct{})
	close(done)

	return &Driver{
		locator:   fields,
		obstacles: obstacles,
		reporter:  reporter,
		finalize:  opts.Finalize,
		timings:   opts.Timings,
		metrics:   opts.Metrics,
		ledger:    opts.Ledger,
		now:       opts.Now,
		sleep:     opts.Sleep,
		wake:      make(chan struct{}),
		state:     models.RunState{Phase: models.PhaseIdle, Processed: []string{}},
		done:      done,
	}, nil
}

type run struct {
	id  string
	cfg models.RunConfig
}

// Start validates cfg and runs it in its own goroutine. ctx bounds the whole run;
// cancelling it ends the run as Stopped.
func (d *Driver) Start(ctx context.Context, cfg models.RunConfig) error {
	r, err := d.begin(cfg)
	if err != nil {
		return err
	}
	go d.loop(ctx, r)
	return nil
}

// Run is Start without the goroutine: it returns once the run completes or stops.
func (d *Driver) Run(ctx context.Context, cfg models.RunConfig) (*models.RunResult, error) {
	r, err := d.begin(cfg)
	if err != nil {
		return nil, err
	}
	d.loop(ctx, r)
	return d.Result(), nil
}

// Pause asks the loop to block at the next item boundary.
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase != models.PhaseRunning {
		return ErrNotRunning
	}
	d.pauseRequested = true
	d.state.Phase = models.PhasePaused
	d.signalLocked()
	return nil
}

// Resume releases a paused loop.
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase != models.PhasePaused {
		return ErrNotPaused
	}
	d.pauseRequested = false
	d.state.Phase = models.PhaseRunning
	d.signalLocked()
	return nil
}

// Stop asks the active run to end at the next checked boundary. It reports
// whether a run was active.
func (d *Driver) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Phase.Active() {
		return false
	}
	d.stopRequested = true
	d.signalLocked()
	return true
}

// State returns a copy of the current run state.
func (d *Driver) State() models.RunState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state
	st.Processed = models.SortedSet(d.processed)
	st.Percent = parser.ProgressPercentage(st.Done, st.Goal)
	return st
}

// Done is closed when the current run ends. It is already closed when idle.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Result returns the summary of the last finished run, or nil.
func (d *Driver) Result() *models.RunResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.result == nil {
		return nil
	}
	res := *d.result
	return &res
}

func (d *Driver) begin(cfg models.RunConfig) (*run, error) {
	d.mu.Lock()
	active := d.state.Phase.Active()
	d.mu.Unlock()
	if active {
		return nil, ErrRunActive
	}

	if err := validateConfig(cfg); err != nil {
		cerr := ConfigError{Err: err}
		slog.Warn("Rejected run config", slog.Any("error", err))
		d.metrics.IncError(errorTypeLabel(cerr))
		d.reporter.Emit(models.ProgressEvent{
			Status:    models.StatusError,
			Detail:    cerr.Error(),
			Timestamp: d.now(),
		})
		return nil, cerr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Phase.Active() {
		return nil, ErrRunActive
	}

	r := &run{id: uuid.NewString(), cfg: cfg}
	d.pauseRequested = false
	d.stopRequested = false
	d.processed = make(map[string]struct{}, len(cfg.Items))
	for _, item := range cfg.PreviouslyProcessed {
		d.processed[item] = struct{}{}
	}
	d.failed = make(map[string]struct{})
	d.errTypes = make(map[string]int)
	d.state = models.RunState{
		Phase:            models.PhaseRunning,
		RunID:            r.id,
		CurrentDateIndex: cfg.StartDateIndex,
		CurrentItemIndex: cfg.StartItemIndex,
	}
	d.startTime = d.now()
	d.done = make(chan struct{})
	d.result = nil
	return r, nil
}

func validateConfig(cfg models.RunConfig) error {
	if len(cfg.Items) == 0 {
		return errors.New("items are empty")
	}
	if len(cfg.Dates) == 0 {
		return errors.New("dates are empty")
	}
	for i, item := range cfg.Items {
		if err := parser.ValidateItem(item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	for _, dg := range cfg.Dates {
		if err := parser.ValidateISODate(dg.Date); err != nil {
			return err
		}
		if dg.Goal < 0 {
			return fmt.Errorf("goal for %s cannot be negative", dg.Date)
		}
	}
	if cfg.Delay < 0 {
		return errors.New("delay cannot be negative")
	}
	if cfg.StartDateIndex < 0 || cfg.StartDateIndex >= len(cfg.Dates) {
		return fmt.Errorf("start date index %d out of range", cfg.StartDateIndex)
	}
	if cfg.StartItemIndex < 0 || cfg.StartItemIndex >= len(cfg.Items) {
		return fmt.Errorf("start item index %d out of range", cfg.StartItemIndex)
	}
	return nil
}

func (d *Driver) loop(ctx context.Context, r *run) {
	cfg := r.cfg
	logger := slog.With(slog.String("run_id", r.id))
	logger.Info("Run started",
		slog.Int("items", len(cfg.Items)),
		slog.Int("dates", len(cfg.Dates)),
		slog.Int("previously_processed", len(cfg.PreviouslyProcessed)),
		slog.Duration("delay", cfg.Delay),
	)

	var (
		stopped  bool
		lastDone int
		lastGoal int
		lastDate string
	)

	for di := cfg.StartDateIndex; di < len(cfg.Dates); di++ {
		dg := cfg.Dates[di]
		if !d.checkpoint(ctx, lastDone, lastGoal, lastDate) {
			stopped = true
			break
		}
		if !d.hasEligible(cfg.Items) {
			logger.Info("No eligible items left", slog.String("date", dg.Date))
			break
		}

		d.mu.Lock()
		d.state.CurrentDateIndex = di
		d.state.CurrentDate = dg.Date
		d.state.CurrentItem = ""
		d.state.Done = 0
		d.state.Goal = dg.Goal
		d.mu.Unlock()
		lastDone, lastGoal, lastDate = 0, dg.Goal, dg.Date

		d.metrics.IncDate()
		d.emit(models.StatusSettingDate, 0, dg.Goal, "", dg.Date, "")
		d.setDate(ctx, logger, dg)

		if err := d.sleep(ctx, cfg.Delay); err != nil {
			stopped = true
			break
		}

		count, halted := d.runDate(ctx, logger, cfg, dg)
		lastDone = count
		if halted {
			stopped = true
			break
		}

		if di < len(cfg.Dates)-1 && count >= dg.Goal {
			d.emit(models.StatusNextDate, count, dg.Goal, "", dg.Date, "")
			if err := d.sleep(ctx, d.timings.DateSettle); err != nil {
				stopped = true
				break
			}
		}
	}

	d.finish(logger, stopped, lastDone, lastGoal, lastDate)
}

func (d *Driver) setDate(ctx context.Context, logger *slog.Logger, dg models.DateGoal) {
	ok, err := d.locator.SetDateField(ctx, dg.Date)
	if err == nil && ok {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = locator.ErrNotFound
	}
	derr := DateFieldNotFoundError{Date: dg.Date, Err: err}
	logger.Warn("Date field not set", slog.String("date", dg.Date), slog.Any("error", err))
	d.metrics.IncError(errorTypeLabel(derr))
	d.emit(models.StatusError, 0, dg.Goal, "", dg.Date, derr.Error())
}

// runDate consumes eligible items until the goal is met or items run out.
// halted reports a stop request or a cancelled context.
func (d *Driver) runDate(ctx context.Context, logger *slog.Logger, cfg models.RunConfig, dg models.DateGoal) (count int, halted bool) {
	for ii := 0; ii < len(cfg.Items) && count < dg.Goal; ii++ {
		item := cfg.Items[ii]
		if !d.eligible(item) {
			continue
		}
		if !d.checkpoint(ctx, count, dg.Goal, dg.Date) {
			return count, true
		}

		d.mu.Lock()
		d.state.CurrentItemIndex = ii
		d.state.CurrentItem = item
		d.mu.Unlock()

		d.emit(models.StatusProcessing, count, dg.Goal, item, dg.Date, "")
		started := d.now()
		err := d.processItem(ctx, cfg.Delay, item)
		d.metrics.ObserveStep("item", d.now().Sub(started))

		if err != nil && ctx.Err() != nil {
			return count, true
		}

		if err == nil {
			count++
			d.mu.Lock()
			d.processed[item] = struct{}{}
			d.state.SuccessCount++
			d.state.Done = count
			runID := d.state.RunID
			d.mu.Unlock()
			d.record(ctx, logger, runID, dg.Date, item)
			d.metrics.IncItem("success")
			logger.Info("Item processed", slog.String("item", item), slog.String("date", dg.Date), slog.Int("done", count), slog.Int("goal", dg.Goal))
			d.emit(models.StatusSuccess, count, dg.Goal, item, dg.Date, "")
			continue
		}

		label := errorTypeLabel(err)
		d.mu.Lock()
		d.failed[item] = struct{}{}
		d.state.ErrorCount++
		d.errTypes[label]++
		d.mu.Unlock()
		d.metrics.IncItem("error")
		d.metrics.IncError(label)
		logger.Warn("Item failed", slog.String("item", item), slog.String("date", dg.Date), slog.String("error_type", label), slog.Any("error", err))
		d.emit(models.StatusError, count, dg.Goal, item, dg.Date, err.Error())

		if err := d.sleep(ctx, cfg.Delay); err != nil {
			return count, true
		}
	}
	return count, false
}

// checkpoint honours stop and pause requests. It returns false when the run must end.
// record writes a success to the ledger. A write failure is logged and the run goes on.
func (d *Driver) record(ctx context.Context, logger *slog.Logger, runID, date, item string) {
	if d.ledger == nil {
		return
	}
	// the item is already submitted, so the write must survive a cancelled run
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.ledger.MarkProcessed(wctx, runID, date, item); err != nil {
		d.metrics.IncError("ledger")
		logger.Error("Recording processed item failed", slog.String("item", item), slog.Any("error", err))
	}
}

func (d *Driver) checkpoint(ctx context.Context, done, total int, date string) bool {
	if ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	if d.stopRequested {
		d.mu.Unlock()
		return false
	}
	if !d.pauseRequested {
		d.mu.Unlock()
		return true
	}
	item := d.state.CurrentItem
	d.mu.Unlock()

	d.metrics.IncPause()
	slog.Info("Run paused", slog.String("date", date))
	d.emit(models.StatusPaused, done, total, item, date, "")

	d.mu.Lock()
	for d.pauseRequested && !d.stopRequested {
		wake := d.wake
		d.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
		d.mu.Lock()
	}
	stop := d.stopRequested
	d.mu.Unlock()

	if !stop {
		slog.Info("Run resumed", slog.String("date", date))
	}
	return !stop
}

func (d *Driver) eligible(item string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processed[item]; ok {
		return false
	}
	_, failed := d.failed[item]
	return !failed
}

func (d *Driver) hasEligible(items []string) bool {
	for _, item := range items {
		if d.eligible(item) {
			return true
		}
	}
	return false
}

func (d *Driver) finish(logger *slog.Logger, stopped bool, done, total int, date string) {
	status := models.StatusCompleted
	phase := models.PhaseCompleted
	if stopped {
		status = models.StatusStopped
		phase = models.PhaseStopped
	}

	d.mu.Lock()
	d.state.Phase = phase
	d.state.CurrentItem = ""
	d.pauseRequested = false
	d.stopRequested = false
	errTypes := make(map[string]int, len(d.errTypes))
	for k, v := range d.errTypes {
		errTypes[k] = v
	}
	result := &models.RunResult{
		RunID:        d.state.RunID,
		Phase:        phase,
		StartTime:    d.startTime,
		EndTime:      d.now(),
		SuccessCount: d.state.SuccessCount,
		ErrorCount:   d.state.ErrorCount,
		Processed:    models.SortedSet(d.processed),
		Failed:       models.SortedSet(d.failed),
		ErrorsByType: errTypes,
	}
	d.result = result
	d.mu.Unlock()

	d.emit(status, done, total, "", date, "")
	logger.Info("Run finished",
		slog.String("phase", phase.String()),
		slog.Int("success", result.SuccessCount),
		slog.Int("errors", result.ErrorCount),
		slog.Duration("duration", result.Duration()),
	)

	d.mu.Lock()
	close(d.done)
	d.mu.Unlock()
}

func (d *Driver) emit(status models.Status, done, total int, item, date, detail string) {
	d.mu.Lock()
	ev := models.ProgressEvent{
		RunID:        d.state.RunID,
		Status:       status,
		Done:         done,
		Total:        total,
		CurrentItem:  item,
		CurrentDate:  date,
		Detail:       detail,
		Timestamp:    d.now(),
		SuccessCount: d.state.SuccessCount,
		ErrorCount:   d.state.ErrorCount,
	}
	d.mu.Unlock()
	d.reporter.Emit(ev)
}

func (d *Driver) signalLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
