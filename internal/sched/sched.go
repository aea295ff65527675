// Package sched runs crawl operations on cron schedules and serves manual
// triggers and webhook events. One instance of each operation runs at a
// time; an overlapping start is skipped with a log line, never queued.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/crawl"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
)

// ErrBusy reports that the requested operation is already running.
var ErrBusy = errors.New("operation already running")

// Runner is the slice of the orchestrator the scheduler drives.
type Runner interface {
	CrawlProfile(ctx context.Context, characterID string) error
	CrawlAllProfiles(ctx context.Context) error
	CrawlThreads(ctx context.Context, characterID string) error
	CrawlAllThreads(ctx context.Context) error
	CrawlQuotes(ctx context.Context) error
	Discover(ctx context.Context) error
	SyncDump(ctx context.Context) error
	RecrawlThread(ctx context.Context, threadID string) error
}

// Config holds cron specs per operation. Empty specs disable the job.
type Config struct {
	ProfileSpec   string
	ThreadSpec    string
	QuoteSpec     string
	DiscoverySpec string
	DumpSyncSpec  string
	// EventSettleDelay is how long to wait after a webhook event before
	// crawling, giving the board time to finish writing the post.
	EventSettleDelay time.Duration
}

// Scheduler owns the cron loop and the per-operation busy tokens.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	runner Runner
	log    *zap.Logger

	baseCtx context.Context
	busy    map[crawl.Op]*atomic.Bool
	wg      sync.WaitGroup
}

// New builds a stopped scheduler.
func New(cfg Config, runner Runner, log *zap.Logger) *Scheduler {
	busy := make(map[crawl.Op]*atomic.Bool)
	for _, op := range []crawl.Op{
		crawl.OpProfile, crawl.OpThreads, crawl.OpQuotes,
		crawl.OpDiscovery, crawl.OpDumpSync, crawl.OpRecrawl,
	} {
		busy[op] = &atomic.Bool{}
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		runner: runner,
		log:    log,
		busy:   busy,
	}
}

// Start registers the configured jobs and begins the cron loop. ctx bounds
// every job the scheduler launches.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	jobs := []struct {
		spec string
		op   crawl.Op
		fn   func(context.Context) error
	}{
		{s.cfg.ProfileSpec, crawl.OpProfile, s.runner.CrawlAllProfiles},
		{s.cfg.ThreadSpec, crawl.OpThreads, s.runner.CrawlAllThreads},
		{s.cfg.QuoteSpec, crawl.OpQuotes, s.runner.CrawlQuotes},
		{s.cfg.DiscoverySpec, crawl.OpDiscovery, s.runner.Discover},
		{s.cfg.DumpSyncSpec, crawl.OpDumpSync, s.runner.SyncDump},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		op, fn := job.op, job.fn
		if _, err := s.cron.AddFunc(job.spec, func() {
			if err := s.run(op, "", fn); err != nil && !errors.Is(err, ErrBusy) {
				s.log.Error("scheduled crawl failed",
					zap.String("op", string(op)), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("register %s job: %w", op, err)
		}
		s.log.Info("job scheduled",
			zap.String("op", string(op)), zap.String("spec", job.spec))
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// run executes fn under the op's busy token. A held token means another run
// of the same op is in flight; the new one is skipped.
func (s *Scheduler) run(op crawl.Op, target string, fn func(context.Context) error) error {
	token := s.busy[op]
	if !token.CompareAndSwap(false, true) {
		s.log.Info("crawl already running, skipping",
			zap.String("op", string(op)), zap.String("target", target))
		metrics.ObserveCrawlSkipped(string(op))
		return ErrBusy
	}
	defer token.Store(false)
	return fn(s.baseCtx)
}

// Trigger starts one operation immediately in the background. Returns
// ErrBusy without starting anything when the op is already running.
func (s *Scheduler) Trigger(op crawl.Op, target string) error {
	fn, err := s.opFunc(op, target)
	if err != nil {
		return err
	}

	token := s.busy[op]
	if !token.CompareAndSwap(false, true) {
		metrics.ObserveCrawlSkipped(string(op))
		return ErrBusy
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer token.Store(false)
		if err := fn(s.baseCtx); err != nil {
			s.log.Error("triggered crawl failed",
				zap.String("op", string(op)),
				zap.String("target", target),
				zap.Error(err))
		}
	}()
	return nil
}

func (s *Scheduler) opFunc(op crawl.Op, target string) (func(context.Context) error, error) {
	switch op {
	case crawl.OpProfile:
		if target != "" {
			return func(ctx context.Context) error {
				return s.runner.CrawlProfile(ctx, target)
			}, nil
		}
		return s.runner.CrawlAllProfiles, nil
	case crawl.OpThreads:
		if target != "" {
			return func(ctx context.Context) error {
				return s.runner.CrawlThreads(ctx, target)
			}, nil
		}
		return s.runner.CrawlAllThreads, nil
	case crawl.OpQuotes:
		return s.runner.CrawlQuotes, nil
	case crawl.OpDiscovery:
		return s.runner.Discover, nil
	case crawl.OpDumpSync:
		return s.runner.SyncDump, nil
	case crawl.OpRecrawl:
		if target == "" {
			return nil, errors.New("thread_recrawl needs a thread id")
		}
		return func(ctx context.Context) error {
			return s.runner.RecrawlThread(ctx, target)
		}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// HandleEvent resolves a webhook event and schedules the resulting crawl
// after the settle delay. The resolution itself is synchronous so the
// caller can report what will happen.
func (s *Scheduler) HandleEvent(ev forum.Event) forum.Action {
	action := forum.Resolve(ev)
	if action.Kind == forum.ActionNone {
		return action
	}

	op, target := actionOp(action)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.cfg.EventSettleDelay > 0 {
			timer := time.NewTimer(s.cfg.EventSettleDelay)
			select {
			case <-timer.C:
			case <-s.baseCtx.Done():
				timer.Stop()
				return
			}
		}
		fn, err := s.opFunc(op, target)
		if err != nil {
			s.log.Error("event resolution produced no runnable op", zap.Error(err))
			return
		}
		if err := s.run(op, target, fn); err != nil && !errors.Is(err, ErrBusy) {
			s.log.Error("event crawl failed",
				zap.String("op", string(op)),
				zap.String("target", target),
				zap.Error(err))
		}
	}()
	return action
}

func actionOp(action forum.Action) (crawl.Op, string) {
	switch action.Kind {
	case forum.ActionProfileCrawl:
		return crawl.OpProfile, action.Target
	case forum.ActionThreadRecrawl:
		return crawl.OpRecrawl, action.Target
	case forum.ActionFullThreadCrawl:
		return crawl.OpThreads, action.Target
	}
	return "", ""
}
