package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/domain"
	"pricewatch/internal/queue"
)

// seedDefaults used by SeedMode when a line omits the optional columns.
const (
	seedDefaultPriority = 5
	seedDefaultInterval = time.Hour
)

// flushTimeout bounds the final learning write-back after the workers stop.
const flushTimeout = 10 * time.Second

// MonitorMode runs the full loop: the scheduler scans the URL registry and
// enqueues due work, a pool of workers executes attempts, and results fan out
// to learning, cooldown tracking, persistence, and alerting. It blocks until
// the context is cancelled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.Int("workers", a.cfg.Queue.MaxConcurrency),
	)

	graceCtx := a.graceContext(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if deps.Proxies != nil {
		g.Go(func() error {
			return deps.Proxies.Run(gctx)
		})
	}

	g.Go(func() error {
		return deps.Scheduler.Run(gctx)
	})

	for i := 0; i < a.cfg.Queue.MaxConcurrency; i++ {
		g.Go(func() error {
			return a.worker(gctx, graceCtx, deps)
		})
	}

	err := g.Wait()
	deps.Queue.Close()
	a.flushLearning(deps)
	return err
}

// OnceMode performs a single scheduler pass, drains everything it enqueued,
// and exits. Useful for cron-driven deployments and smoke tests.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting single pass")

	if err := deps.Scheduler.Tick(ctx); err != nil {
		return fmt.Errorf("app: scheduler pass: %w", err)
	}

	// Closing before the drain lets workers exit once the pending set is
	// empty instead of blocking for more work.
	deps.Queue.Close()
	stats := deps.Queue.Stats()
	a.logger.InfoContext(ctx, "pass enqueued", slog.Int("pending", stats.Pending))

	graceCtx := a.graceContext(ctx)

	g := new(errgroup.Group)
	for i := 0; i < a.cfg.Queue.MaxConcurrency; i++ {
		g.Go(func() error {
			return a.worker(ctx, graceCtx, deps)
		})
	}
	err := g.Wait()
	a.flushLearning(deps)
	return err
}

// SeedMode loads monitored URLs from the input file into the registry and
// exits. Each non-comment line is "url [priority] [interval]", for example:
//
//	https://www.magazineluiza.com.br/p/123 7 30m
func (a *App) SeedMode(ctx context.Context, deps *Dependencies) error {
	if a.urlFile == "" {
		return fmt.Errorf("app: seed mode requires -urls <file>")
	}

	f, err := os.Open(a.urlFile)
	if err != nil {
		return fmt.Errorf("app: open seed file: %w", err)
	}
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		u, err := parseSeedLine(line)
		if err != nil {
			return fmt.Errorf("app: seed file line %d: %w", lineNo, err)
		}
		if err := deps.URLStore.Upsert(ctx, u); err != nil {
			return fmt.Errorf("app: seed file line %d: %w", lineNo, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("app: read seed file: %w", err)
	}

	a.logger.InfoContext(ctx, "seeded monitored urls",
		slog.Int("count", count),
		slog.String("file", a.urlFile),
	)
	return nil
}

// parseSeedLine builds a MonitoredURL from one whitespace-separated seed line.
func parseSeedLine(line string) (domain.MonitoredURL, error) {
	fields := strings.Fields(line)

	dom, err := domain.DomainOf(fields[0])
	if err != nil {
		return domain.MonitoredURL{}, err
	}

	u := domain.MonitoredURL{
		ID:           uuid.NewString(),
		URL:          fields[0],
		Domain:       dom,
		Priority:     seedDefaultPriority,
		BaseInterval: seedDefaultInterval,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}

	if len(fields) > 1 {
		p, err := strconv.Atoi(fields[1])
		if err != nil || p < 0 || p > 9 {
			return domain.MonitoredURL{}, fmt.Errorf("invalid priority %q", fields[1])
		}
		u.Priority = p
	}
	if len(fields) > 2 {
		d, err := time.ParseDuration(fields[2])
		if err != nil || d <= 0 {
			return domain.MonitoredURL{}, fmt.Errorf("invalid interval %q", fields[2])
		}
		u.BaseInterval = d
	}
	return u, nil
}

// worker dequeues and executes attempts until the queue closes or dequeueCtx
// ends. In-flight attempts run under graceCtx so shutdown does not abort them
// mid-navigation.
func (a *App) worker(dequeueCtx, graceCtx context.Context, deps *Dependencies) error {
	for {
		task, err := deps.Queue.Dequeue(dequeueCtx)
		if err != nil {
			// Closed-and-drained and context cancellation both end the
			// worker; neither is a failure.
			return nil
		}

		res := deps.Engine.Process(graceCtx, task.URL)
		a.handleResult(graceCtx, deps, task, res)
	}
}

// handleResult fans one attempt result out to every consumer: the scheduler's
// success ledger, the cooldown tracker, the learning layer, the attempt log,
// and (for successful extractions) the record store and alerter. It finishes
// by releasing or requeueing the task.
func (a *App) handleResult(ctx context.Context, deps *Dependencies, task queue.Task, res domain.AttemptResult) {
	now := time.Now().UTC()

	deps.Scheduler.OnResult(res)
	if !res.Cancelled {
		deps.Cooldowns.Observe(ctx, res.Domain, res.Outcome, now)
	}

	if err := deps.Learning.OnResult(ctx, res); err != nil {
		a.logger.ErrorContext(ctx, "learning update failed",
			slog.String("url_id", res.URLID),
			slog.String("error", err.Error()),
		)
	}

	if err := deps.AttemptStore.Insert(ctx, res); err != nil {
		a.logger.ErrorContext(ctx, "attempt log insert failed",
			slog.String("url_id", res.URLID),
			slog.String("error", err.Error()),
		)
	}

	if res.Record != nil {
		if err := deps.RecordStore.Insert(ctx, *res.Record); err != nil {
			a.logger.ErrorContext(ctx, "price record insert failed",
				slog.String("url_id", res.URLID),
				slog.String("error", err.Error()),
			)
		} else if err := deps.Alerter.OnRecord(ctx, task.URL, *res.Record); err != nil {
			a.logger.WarnContext(ctx, "alert processing failed",
				slog.String("url_id", res.URLID),
				slog.String("error", err.Error()),
			)
		}
	}

	// A domain whose live portfolio emptied out has nothing left to try;
	// tell the operators instead of silently failing every attempt.
	if res.Outcome == domain.OutcomeExtractionFailed && !res.Cancelled {
		if strategies, err := deps.Learning.Portfolio(ctx, res.Domain); err == nil && len(strategies) == 0 {
			deps.Alerter.OnDomainBroken(ctx, res.Domain, "all extraction strategies retired")
		}
	}

	if !res.Cancelled && res.Outcome.Kind().Transient() {
		// An exhausted budget drops the task inside Retry; calling Done as
		// well would release its slots twice.
		if deps.Queue.Retry(task) {
			a.logger.DebugContext(ctx, "attempt requeued",
				slog.String("url_id", res.URLID),
				slog.Int("attempt", task.Attempt+1),
			)
		}
		return
	}
	deps.Queue.Done(task)
}

// graceContext returns a context that outlives ctx by the configured shutdown
// grace so in-flight attempts can finish and be recorded. Attempts still
// running when the grace lapses are cancelled and marked accordingly.
func (a *App) graceContext(ctx context.Context) context.Context {
	grace := a.cfg.Engine.ShutdownGrace.Duration
	graceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		<-timer.C
		cancel()
	}()
	return graceCtx
}

// flushLearning writes pending portfolio state back to the store on the way
// out, under its own deadline since the run context is already gone.
func (a *App) flushLearning(deps *Dependencies) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := deps.Learning.Flush(ctx); err != nil {
		a.logger.Error("final learning flush failed", slog.String("error", err.Error()))
	}
}
