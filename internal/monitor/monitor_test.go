package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LexTrack/internal/task"
)

func TestFallsBackToPollingAfterReconnectBudget(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(true)
	poller := &fakePoller{}
	poller.set(task.Task{Status: task.StatusProcessing, ProgressPercent: 42}, nil)
	cfg := testConfig()

	m := newTestMonitor(dialer, poller, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	for i := 0; i < cfg.MaxReconnectAttempts; i++ {
		awaitBackoff(t, ctx, clock, h, dialer, int32(i+1))
		assert.Zero(t, poller.calls.Load(), "no polling while reconnect budget remains")
		clock.Advance(cfg.BackoffMax)
	}

	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "poll progress delivered")

	got := rec.snapshot()
	assert.Equal(t, 42.0, got.progress[0].ProgressPercent)
	assert.Equal(t, "t1", got.progress[0].ID)
	assert.Zero(t, got.connected)
	assert.Equal(t, Polling, h.State())
	assert.Equal(t, int32(cfg.MaxReconnectAttempts+1), dialer.attempts.Load())
	assert.NotContains(t, got.states, Disconnected)
	assert.Equal(t, Polling, got.states[len(got.states)-1])
}

func TestBackoffDelaysDoubleUntilCeiling(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(true)
	cfg := testConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = 4 * time.Second

	m := newTestMonitor(dialer, &fakePoller{}, clock, cfg)
	h := m.Track(ctx, "t1", "", Callbacks{})
	defer h.Cancel()

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second} {
		awaitBackoff(t, ctx, clock, h, dialer, int32(i+1))
		attempts := dialer.attempts.Load()

		clock.Advance(delay - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, attempts, dialer.attempts.Load(), "redialed before backoff %d elapsed", i)

		clock.Advance(time.Millisecond)
		eventually(t, func() bool { return dialer.attempts.Load() == attempts+1 }, "redial after backoff")
	}
}

func TestConnectTimeoutBacksOff(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := &hangingDialer{}
	cfg := testConfig()

	m := newTestMonitor(dialer, &fakePoller{}, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, Connecting, h.State())

	clock.Advance(cfg.ConnectTimeout - time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Connecting, h.State(), "gave up before the connect timeout")

	clock.Advance(time.Millisecond)
	eventually(t, func() bool { return h.State() == Reconnecting }, "timed out dial backs off")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.BackoffBase)
	eventually(t, func() bool { return dialer.attempts.Load() == 2 }, "redial after backoff")
	assert.Zero(t, rec.snapshot().connected)
}

func TestLateResyncDoesNotRewindProgress(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)
	poller := newGatedPoller(task.Task{Status: task.StatusProcessing, ProgressPercent: 10})
	cfg := testConfig()
	cfg.ResyncOnConnect = true

	m := newTestMonitor(dialer, poller, clockwork.NewFakeClock(), cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":80}`)
	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "push progress")

	close(poller.release)
	eventually(t, func() bool { return poller.served.Load() == 1 }, "resync answered")
	time.Sleep(20 * time.Millisecond)

	conn.push(`{"type":"progress","progressPercent":90}`)
	eventually(t, func() bool { return len(rec.snapshot().progress) == 2 }, "next push progress")
	time.Sleep(20 * time.Millisecond)

	var seen []float64
	for _, p := range rec.snapshot().progress {
		seen = append(seen, p.ProgressPercent)
	}
	assert.Equal(t, []float64{80, 90}, seen)
	assert.Equal(t, Connected, h.State())
}

func TestLateTerminalResyncIsDelivered(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)
	poller := newGatedPoller(task.Task{Status: task.StatusCompleted, Result: []byte(`"ok"`)})
	cfg := testConfig()
	cfg.ResyncOnConnect = true

	m := newTestMonitor(dialer, poller, clockwork.NewFakeClock(), cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":80}`)
	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "push progress")

	close(poller.release)
	waitDone(t, h)

	got := rec.snapshot()
	require.Len(t, got.completed, 1)
	assert.JSONEq(t, `"ok"`, string(got.completed[0]))
	assert.Equal(t, Terminal, h.State())
}

func TestDuplicateCompletedFiresOnce(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(false)
	poller := &fakePoller{}
	poller.set(task.Task{Status: task.StatusCompleted, Result: []byte(`{"riskCount":2}`)}, nil)
	cfg := testConfig()
	cfg.ResyncOnConnect = true

	m := newTestMonitor(dialer, poller, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	conn := dialer.next(t)
	conn.push(`{"type":"completed","result":{"riskCount":2}}`)
	conn.push(`{"type":"completed","result":{"riskCount":2}}`)
	conn.push(`{"type":"failed","errorMessage":"late"}`)
	waitDone(t, h)

	got := rec.snapshot()
	require.Len(t, got.completed, 1)
	assert.JSONEq(t, `{"riskCount":2}`, string(got.completed[0]))
	assert.Empty(t, got.failed)
	assert.Equal(t, Terminal, h.State())
}

func TestFailedFiresOnce(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clock, testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":60,"currentStageLabel":"OCR"}`)
	conn.push(`{"type":"failed","errorMessage":"OCR failed"}`)
	conn.push(`{"type":"failed","errorMessage":"OCR failed"}`)
	conn.push(`{"type":"completed"}`)
	waitDone(t, h)

	got := rec.snapshot()
	require.Len(t, got.failed, 1)
	assert.Empty(t, got.completed)
	require.Len(t, got.progress, 1)
	assert.Equal(t, "OCR", got.progress[0].Stage())

	var failure *task.Failure
	require.ErrorAs(t, got.failed[0], &failure)
	assert.Equal(t, task.StatusFailed, failure.Status)
	assert.Equal(t, "OCR failed", failure.Message)
	assert.Equal(t, 1, got.connected)
}

func TestServerCancelledIsReportedAsFailure(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	dialer.next(t).push(`{"type":"cancelled"}`)
	waitDone(t, h)

	got := rec.snapshot()
	require.Len(t, got.failed, 1)
	var failure *task.Failure
	require.ErrorAs(t, got.failed[0], &failure)
	assert.Equal(t, task.StatusCancelled, failure.Status)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	conn := dialer.next(t)
	conn.push(`garbage`)
	conn.push(`{"type":"explode"}`)
	conn.push(`{"type":"progress","taskId":"other","progressPercent":99}`)
	conn.push(`{"type":"pong"}`)
	conn.push(`{"type":"progress","progressPercent":30}`)

	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "valid frame delivered")
	got := rec.snapshot()
	assert.Equal(t, 30.0, got.progress[0].ProgressPercent)
	assert.Equal(t, Connected, h.State())
	assert.Zero(t, got.disconnected)
}

func TestRepeatedProgressIsCoalesced(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":10}`)
	conn.push(`{"type":"progress","progressPercent":10}`)
	conn.push(`{"type":"progress","progressPercent":20}`)

	eventually(t, func() bool { return len(rec.snapshot().progress) == 2 }, "two distinct updates")
	got := rec.snapshot()
	assert.Equal(t, 20.0, got.progress[1].ProgressPercent)
}

func TestHeartbeatPingsAndDetectsSilence(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(false)
	cfg := testConfig()

	m := newTestMonitor(dialer, &fakePoller{}, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	conn := dialer.next(t)
	eventually(t, func() bool { return h.State() == Connected }, "connected")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(cfg.HeartbeatInterval)
	eventually(t, func() bool { return len(conn.sent) == 1 }, "first ping")
	clock.Advance(cfg.HeartbeatInterval)
	eventually(t, func() bool { return len(conn.sent) == 2 }, "second ping")
	assert.Equal(t, task.Ping, <-conn.sent)

	clock.Advance(cfg.HeartbeatInterval)
	eventually(t, func() bool { return rec.snapshot().disconnected == 1 }, "silent disconnect detected")
	eventually(t, func() bool { return h.State() == Reconnecting }, "reconnecting after silence")
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(false)
	cfg := testConfig()

	m := newTestMonitor(dialer, &fakePoller{}, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())
	defer h.Cancel()

	first := dialer.next(t)
	first.errs <- errors.New("connection reset by peer")

	eventually(t, func() bool { return h.State() == Reconnecting }, "reconnecting")
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.BackoffBase)

	second := dialer.next(t)
	second.push(`{"type":"progress","progressPercent":75}`)
	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "progress after reconnect")

	got := rec.snapshot()
	assert.Equal(t, 2, got.connected)
	assert.Equal(t, 1, got.disconnected)
	assert.Equal(t, Connected, h.State())
	assert.Equal(t, []ConnectionState{Connecting, Connected, Reconnecting, Connecting, Connected}, got.states)
}

func TestCancelDuringBackoffStopsCallbacks(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(true)
	poller := &fakePoller{}
	poller.set(task.Task{Status: task.StatusProcessing, ProgressPercent: 5}, nil)

	m := newTestMonitor(dialer, poller, clock, testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	awaitBackoff(t, ctx, clock, h, dialer, 1)
	before := rec.snapshot().total

	h.Cancel()
	h.Cancel()
	assert.Equal(t, Disconnected, h.State())

	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
	}
	waitDone(t, h)

	assert.Equal(t, before, rec.snapshot().total)
	assert.Equal(t, Disconnected, h.State())
	assert.Zero(t, poller.calls.Load())
	assert.Empty(t, m.Active())
}

func TestCancelFromInsideCallback(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	handles := make(chan *Handle, 1)
	progress := 0
	h := m.Track(ctx, "t1", "tok", Callbacks{
		OnProgress: func(task.Task) {
			progress++
			(<-handles).Cancel()
		},
	})
	handles <- h

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":10}`)
	conn.push(`{"type":"progress","progressPercent":20}`)
	conn.push(`{"type":"completed"}`)
	waitDone(t, h)

	assert.Equal(t, 1, progress)
	assert.Equal(t, Disconnected, h.State())
}

func TestCancelWhileCallbackRuns(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	var progress atomic.Int32
	h := m.Track(ctx, "t1", "tok", Callbacks{
		OnProgress: func(task.Task) {
			if progress.Add(1) == 1 {
				close(entered)
				<-release
			}
		},
	})

	conn := dialer.next(t)
	conn.push(`{"type":"progress","progressPercent":10}`)
	conn.push(`{"type":"progress","progressPercent":20}`)
	<-entered

	h.Cancel()
	close(release)
	waitDone(t, h)
	assert.Equal(t, int32(1), progress.Load())
}

func TestNoCallbackStartsAfterCancelReturns(t *testing.T) {
	for i := 0; i < 200; i++ {
		ctx := testContext(t)
		dialer := newFakeDialer(false)
		m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())

		var returned, late atomic.Bool
		first := make(chan struct{})
		var once sync.Once
		h := m.Track(ctx, "t1", "tok", Callbacks{
			OnProgress: func(task.Task) {
				if returned.Load() {
					late.Store(true)
				}
				once.Do(func() { close(first) })
			},
		})

		conn := dialer.next(t)
		go func() {
			for p := 1; p <= 100; p++ {
				select {
				case conn.frames <- []byte(fmt.Sprintf(`{"type":"progress","progressPercent":%d}`, p)):
				case <-h.Done():
					return
				}
			}
		}()

		<-first
		h.Cancel()
		returned.Store(true)
		waitDone(t, h)
		require.False(t, late.Load(), "callback started after Cancel returned (iteration %d)", i)
	}
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	ctx := testContext(t)
	dialer := newFakeDialer(false)

	m := newTestMonitor(dialer, &fakePoller{}, clockwork.NewFakeClock(), testConfig())
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	dialer.next(t).push(`{"type":"completed","result":"ok"}`)
	waitDone(t, h)

	h.Cancel()
	assert.Equal(t, Terminal, h.State())
	assert.Len(t, rec.snapshot().completed, 1)
}

func TestPollingOnlyWithoutDialer(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	poller := &fakePoller{}
	poller.set(task.Task{}, errors.New("502 bad gateway"))
	cfg := testConfig()

	m := newTestMonitor(nil, poller, clock, cfg)
	rec := &recorder{}
	h := m.Track(ctx, "t1", "tok", rec.callbacks())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, Polling, h.State())
	assert.Empty(t, rec.snapshot().progress, "poll errors are not surfaced")

	label := "drafting"
	poller.set(task.Task{Status: task.StatusProcessing, ProgressPercent: 50, CurrentStageLabel: &label}, nil)
	clock.Advance(cfg.PollInterval)
	eventually(t, func() bool { return len(rec.snapshot().progress) == 1 }, "progress from poll")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	poller.set(task.Task{Status: task.StatusCompleted, Result: []byte(`{"docId":"abc"}`)}, nil)
	clock.Advance(cfg.PollInterval)
	waitDone(t, h)

	got := rec.snapshot()
	require.Len(t, got.completed, 1)
	assert.JSONEq(t, `{"docId":"abc"}`, string(got.completed[0]))
	assert.Equal(t, "drafting", got.progress[0].Stage())
	assert.Equal(t, Terminal, h.State())
	assert.Equal(t, int32(3), poller.calls.Load())
}

func TestParentContextEndsTracking(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(true)

	m := newTestMonitor(dialer, &fakePoller{}, clock, testConfig())
	rec := &recorder{}
	trackCtx, cancel := context.WithCancel(ctx)
	h := m.Track(trackCtx, "t1", "tok", rec.callbacks())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()
	waitDone(t, h)
	assert.Equal(t, Disconnected, h.State())
}

func TestCloseCancelsEveryHandle(t *testing.T) {
	ctx := testContext(t)
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer(true)

	m := newTestMonitor(dialer, &fakePoller{}, clock, testConfig())
	a := m.Track(ctx, "t1", "tok", Callbacks{})
	b := m.Track(ctx, "t2", "tok", Callbacks{})
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.Len(t, m.Active(), 2)

	m.Close()
	waitDone(t, a)
	waitDone(t, b)
	assert.Empty(t, m.Active())
	assert.Equal(t, Disconnected, a.State())
	assert.Equal(t, Disconnected, b.State())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "polling", Polling.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
