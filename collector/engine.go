package collector

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/loopfi/loop-harvester/client/jsonrpc"
	"github.com/loopfi/loop-harvester/lib/backoff"
	"github.com/loopfi/loop-harvester/models"
	"github.com/loopfi/loop-harvester/sink"
	"github.com/loopfi/loop-harvester/watermark"
)

// Collector pulls contract state for a set of targets, each stepping its own
// Idle -> Planning -> Fetching -> Committing loop independently. A run is
// stateless apart from the externally persisted watermarks, so interval
// schedulers can invoke it repeatedly.
type Collector interface {
	// Run collects every target until it is up to date, the context is
	// cancelled, or the target exhausts its retry ceiling. Per-target
	// failures never abort sibling targets; the returned error joins the
	// per-target outcomes.
	Run(ctx context.Context, targets []models.Target) error

	// Status is a snapshot of per-target progress for monitoring.
	Status() []models.TargetProgress
}

const (
	defaultStepSize               = 1000
	defaultFanOut                 = 4
	defaultMaxRangeAttempts       = 5
	defaultMaxConcurrentTargets   = 4
	defaultReportProgressInterval = 30 * time.Second
	defaultPoolPause              = 30 * time.Second
)

type Config struct {
	// StepSize bounds the width of one fetch/commit range.
	StepSize int64
	// EndBlock caps the run; 0 means collect up to the current chain height.
	EndBlock int64
	// Pacing is the minimum delay between successive block reads within a
	// target, to respect endpoint rate limits.
	Pacing time.Duration
	// FanOut bounds concurrent block reads inside one range.
	FanOut int
	// MaxRangeAttempts is the retry ceiling per range before the target is
	// abandoned for the run.
	MaxRangeAttempts int
	// RangeBackoff delays range retries; defaults to exponential with jitter.
	RangeBackoff           backoff.Strategy
	MaxConcurrentTargets   int
	ReportProgressInterval time.Duration
	// PoolPause is how long to wait when every endpoint is dead before
	// retrying the whole pool. Pool exhaustion does not consume the range
	// attempt ceiling.
	PoolPause time.Duration
}

type engine struct {
	log    *slog.Logger
	reader jsonrpc.ChainReader
	sink   sink.Sink
	store  watermark.Store
	cfg    Config

	mutex    sync.Mutex
	trackers map[models.TargetID]*tracker
}

func New(
	log *slog.Logger,
	reader jsonrpc.ChainReader,
	snk sink.Sink,
	store watermark.Store,
	cfg Config,
) Collector {
	if cfg.StepSize <= 0 {
		cfg.StepSize = defaultStepSize
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	if cfg.MaxRangeAttempts <= 0 {
		cfg.MaxRangeAttempts = defaultMaxRangeAttempts
	}
	if cfg.RangeBackoff == nil {
		cfg.RangeBackoff = backoff.ExponentialJitter(time.Second, time.Minute)
	}
	if cfg.MaxConcurrentTargets <= 0 {
		cfg.MaxConcurrentTargets = defaultMaxConcurrentTargets
	}
	if cfg.ReportProgressInterval <= 0 {
		cfg.ReportProgressInterval = defaultReportProgressInterval
	}
	if cfg.PoolPause <= 0 {
		cfg.PoolPause = defaultPoolPause
	}
	return &engine{
		log:      log.With("module", "collector"),
		reader:   reader,
		sink:     snk,
		store:    store,
		cfg:      cfg,
		trackers: make(map[models.TargetID]*tracker),
	}
}

func (e *engine) Run(ctx context.Context, targets []models.Target) error {
	if len(targets) == 0 {
		return errors.Errorf("no targets to collect")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool, err := ants.NewPool(e.cfg.MaxConcurrentTargets)
	if err != nil {
		return errors.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		e.reportProgress(ctx)
	}()

	e.log.Info("Starting collection run",
		"targets", len(targets),
		"stepSize", e.cfg.StepSize,
		"fanOut", e.cfg.FanOut,
		"maxConcurrentTargets", e.cfg.MaxConcurrentTargets,
	)

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i := range targets {
		i := i
		target := targets[i]
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			errs[i] = e.collectTarget(ctx, target)
		}); err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	cancel()
	<-reportDone

	return stderrors.Join(errs...)
}

func (e *engine) Status() []models.TargetProgress {
	e.mutex.Lock()
	snapshots := make([]models.TargetProgress, 0, len(e.trackers))
	for _, tr := range e.trackers {
		snapshots = append(snapshots, tr.snapshot())
	}
	e.mutex.Unlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Target < snapshots[j].Target
	})
	return snapshots
}

func (e *engine) tracker(id models.TargetID) *tracker {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	tr, ok := e.trackers[id]
	if !ok {
		tr = newTracker(id)
		e.trackers[id] = tr
	}
	return tr
}

// collectTarget steps one target's state machine until its plan is drained.
func (e *engine) collectTarget(ctx context.Context, target models.Target) error {
	log := e.log.With("target", target.ID)
	tr := e.tracker(target.ID)

	lastSynced, err := e.resolveStart(ctx, target, tr, log)
	if err != nil {
		tr.setState(models.StateTerminal)
		return errors.Errorf("target %s: %w", target.ID, err)
	}

	endBlock := e.cfg.EndBlock
	if endBlock <= 0 {
		endBlock, err = e.reader.LatestBlockNumber(ctx)
		if err != nil {
			tr.observeError("rpc", models.BlockRange{}, err)
			tr.setState(models.StateTerminal)
			return errors.Errorf("target %s: failed to read chain height: %w", target.ID, err)
		}
	}
	tr.setLatest(endBlock)

	tr.setState(models.StatePlanning)
	plan := NewPlan(lastSynced, endBlock, e.cfg.StepSize)
	log.Info("Planned collection",
		"lastSynced", lastSynced,
		"endBlock", endBlock,
		"ranges", plan.Remaining(),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok := plan.Next()
		if !ok {
			break
		}
		if err := e.collectRange(ctx, target, r, tr, log); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			tr.setState(models.StateTerminal)
			return errors.Errorf("target %s: %w", target.ID, err)
		}
	}
	tr.setState(models.StateDone)
	log.Info("Target up to date", "watermark", endBlock)
	return nil
}

// resolveStart picks the block collection resumes after. Rows already in the
// sink are the durable source of truth: when the stored watermark disagrees
// with the sink's observed maximum, the sink wins and any gap is re-fetched.
func (e *engine) resolveStart(
	ctx context.Context, target models.Target, tr *tracker, log *slog.Logger,
) (int64, error) {
	stored, haveStored, err := e.store.Get(target.ID)
	if err != nil {
		return 0, errors.Errorf("failed to read watermark: %w", err)
	}

	start := target.StartBlock - 1
	sinkMax, haveRows, err := e.sink.MaxBlockNumber(ctx, target.ID)
	switch {
	case errors.Is(err, sink.ErrMaxBlockUnsupported):
		if haveStored {
			start = stored
		}
	case err != nil:
		return 0, errors.Errorf("failed to read sink max block: %w", err)
	default:
		if haveRows {
			start = sinkMax
		}
		if haveStored && stored != start {
			log.Warn("Stored watermark diverges from sink contents, trusting the sink",
				"stored", stored,
				"sinkMax", start,
			)
			if err := e.store.Set(target.ID, start); err != nil {
				return 0, errors.Errorf("failed to reconcile watermark: %w", err)
			}
		}
	}

	if start < target.StartBlock-1 {
		start = target.StartBlock - 1
	}
	tr.setWatermark(start)
	return start, nil
}

// collectRange drives one range through Fetching -> Committing, retrying the
// whole range with backoff on failure. Partial results never advance the
// watermark.
func (e *engine) collectRange(
	ctx context.Context,
	target models.Target,
	r models.BlockRange,
	tr *tracker,
	log *slog.Logger,
) error {
	attempt := 0
	for {
		tr.startRange(r, attempt+1)
		rows, err := e.fetchRange(ctx, target, r)
		if err == nil {
			tr.setState(models.StateCommitting)
			err = e.commit(ctx, target, r, rows)
			if err == nil {
				tr.committed(r.End, len(rows))
				log.Debug("Range committed", "range", r.String(), "rows", len(rows))
				return nil
			}
			tr.observeError("sink", r, err)
		} else {
			tr.observeError("rpc", r, err)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// an interrupted range stays uncommitted and re-collectible
			return ctxErr
		}

		if errors.Is(err, jsonrpc.ErrNoEndpoints) {
			// the whole pool is down; pause and retry without consuming the
			// attempt ceiling
			tr.setState(models.StateFailed)
			log.Warn("No endpoints available, pausing",
				"range", r.String(),
				"pause", e.cfg.PoolPause.String(),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.PoolPause):
			}
			continue
		}

		attempt++
		tr.setState(models.StateFailed)
		if attempt >= e.cfg.MaxRangeAttempts {
			return errors.Errorf("range %s failed after %d attempts: %w", r, attempt, err)
		}
		delay := e.cfg.RangeBackoff(attempt)
		rangeRetryCount.WithLabelValues(string(target.ID)).Inc()
		log.Warn("Range failed, backing off",
			"range", r.String(),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// commit hands the full range to the sink and only then advances the
// persisted watermark. If the process dies in between, startup
// reconciliation against the sink max heals the disagreement.
func (e *engine) commit(
	ctx context.Context, target models.Target, r models.BlockRange, rows []models.Row,
) error {
	if err := e.sink.Append(ctx, target, rows); err != nil {
		return errors.Errorf("append: %w", err)
	}
	if err := e.store.Set(target.ID, r.End); err != nil {
		return errors.Errorf("watermark: %w", err)
	}
	return nil
}

func (e *engine) reportProgress(ctx context.Context) {
	timer := time.NewTicker(e.cfg.ReportProgressInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			for _, p := range e.Status() {
				fields := []interface{}{
					"target", p.Target,
					"state", p.State,
					"watermark", p.Watermark,
					"latestBlockNumber", p.LatestBlockNumber,
					"rowsCommitted", p.RowsCommitted,
				}
				if p.CurrentRange != nil {
					fields = append(fields, "range", p.CurrentRange.String(), "attempt", p.RangeAttempts)
				}
				if p.RPCErrorCount > 0 {
					fields = append(fields, "rpcErrors", p.RPCErrorCount)
				}
				if p.SinkErrorCount > 0 {
					fields = append(fields, "sinkErrors", p.SinkErrorCount)
				}
				e.log.Info("PROGRESS REPORT", fields...)
			}
		}
	}
}
