package sched

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avermeer/threadwatch/internal/crawl"
	"github.com/avermeer/threadwatch/internal/forum"
	"github.com/avermeer/threadwatch/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeRunner counts invocations and can hold an op open until released.
type fakeRunner struct {
	calls    map[string]*atomic.Int32
	block    chan struct{}
	recrawls chan string
}

func newFakeRunner() *fakeRunner {
	r := &fakeRunner{
		calls:    make(map[string]*atomic.Int32),
		recrawls: make(chan string, 8),
	}
	for _, op := range []string{"profile", "threads", "quotes", "discovery", "dumpsync", "recrawl"} {
		r.calls[op] = &atomic.Int32{}
	}
	return r
}

func (r *fakeRunner) record(op string) error {
	r.calls[op].Add(1)
	if r.block != nil {
		<-r.block
	}
	return nil
}

func (r *fakeRunner) CrawlProfile(_ context.Context, _ string) error  { return r.record("profile") }
func (r *fakeRunner) CrawlAllProfiles(_ context.Context) error        { return r.record("profile") }
func (r *fakeRunner) CrawlThreads(_ context.Context, _ string) error  { return r.record("threads") }
func (r *fakeRunner) CrawlAllThreads(_ context.Context) error         { return r.record("threads") }
func (r *fakeRunner) CrawlQuotes(_ context.Context) error             { return r.record("quotes") }
func (r *fakeRunner) Discover(_ context.Context) error                { return r.record("discovery") }
func (r *fakeRunner) SyncDump(_ context.Context) error                { return r.record("dumpsync") }
func (r *fakeRunner) RecrawlThread(_ context.Context, id string) error {
	r.recrawls <- id
	return r.record("recrawl")
}

func TestTriggerRunsOp(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(Config{}, runner, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.Trigger(crawl.OpDiscovery, ""))
	require.Eventually(t, func() bool {
		return runner.calls["discovery"].Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerSkipsWhileBusy(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(Config{}, runner, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Trigger(crawl.OpQuotes, ""))
	require.Eventually(t, func() bool {
		return runner.calls["quotes"].Load() == 1
	}, time.Second, 5*time.Millisecond)

	// Same op again while the first is still running: skipped, not queued.
	require.ErrorIs(t, s.Trigger(crawl.OpQuotes, ""), ErrBusy)

	// A different op is unaffected.
	require.NoError(t, s.Trigger(crawl.OpDumpSync, ""))

	close(runner.block)
	s.Stop()
	require.Equal(t, int32(1), runner.calls["quotes"].Load())
	require.Equal(t, int32(1), runner.calls["dumpsync"].Load())
}

func TestTriggerRecrawlNeedsTarget(t *testing.T) {
	t.Parallel()

	s := New(Config{}, newFakeRunner(), zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Error(t, s.Trigger(crawl.OpRecrawl, ""))
}

func TestHandleEventRunsResolvedAction(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(Config{EventSettleDelay: time.Millisecond}, runner, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	action := s.HandleEvent(forum.Event{Kind: forum.EventNewPost, ThreadID: "789"})
	require.Equal(t, forum.ActionThreadRecrawl, action.Kind)

	select {
	case id := <-runner.recrawls:
		require.Equal(t, "789", id)
	case <-time.After(time.Second):
		t.Fatal("recrawl never ran")
	}
}

func TestHandleEventNoAction(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(Config{}, runner, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	action := s.HandleEvent(forum.Event{Kind: forum.EventNewPost})
	require.Equal(t, forum.ActionNone, action.Kind)
	require.Equal(t, int32(0), runner.calls["recrawl"].Load())
}

func TestStartRegistersCronJobs(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	s := New(Config{
		ProfileSpec:   "@every 1h",
		ThreadSpec:    "@every 30m",
		QuoteSpec:     "@every 2h",
		DiscoverySpec: "@daily",
		DumpSyncSpec:  "@weekly",
	}, runner, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(Config{ProfileSpec: "not a cron spec"}, newFakeRunner(), zap.NewNop())
	require.Error(t, s.Start(context.Background()))
}
