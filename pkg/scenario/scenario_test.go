package scenario

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/olly-harness/pkg/command"
	"github.com/mbeema/olly-harness/pkg/config"
	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/health"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/mbeema/olly-harness/pkg/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Recorder.WaitTimeout = 2 * time.Second
	cfg.Recorder.PollInterval = time.Millisecond
	return cfg
}

func newTestRunner(t *testing.T, opts ...RunnerOption) *Runner {
	t.Helper()
	opts = append([]RunnerOption{WithOutput(io.Discard)}, opts...)
	r, err := NewRunner(testConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

type captureExporter struct {
	mu  sync.Mutex
	trs []*traces.Trace
}

func (c *captureExporter) ExportTraces(_ context.Context, trs []*traces.Trace) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trs = append(c.trs, trs...)
	return nil
}

func (c *captureExporter) Shutdown(context.Context) error { return nil }

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"async", "continuation", "exception", "exception-with-fallback", "sync"}, Names())
	_, ok := Get("sync")
	assert.True(t, ok)
	_, ok = Get("nope")
	assert.False(t, ok)
}

func TestEveryPatternLoads(t *testing.T) {
	for _, name := range Names() {
		p, err := Pattern(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
		require.NotNil(t, p.Remaining, name)
	}
}

func TestSyncPatternShape(t *testing.T) {
	p, err := Pattern("sync")
	require.NoError(t, err)

	want := []expect.Expectation{
		expect.Event(command.ServiceTypeCommand, command.QueueMethod,
			expect.Annotation(command.AnnotationCommand, "SayHelloCommand")),
		expect.Async(expect.Event(command.ServiceTypeInternal, command.RunMethod,
			expect.Annotation(command.AnnotationExecution, "run"))),
	}
	assert.Equal(t, expect.Format(want...), expect.Format(p.Expect...))
	assert.Equal(t, 0, *p.Remaining)
}

func TestScenariosPass(t *testing.T) {
	r := newTestRunner(t)
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			rep := r.Run(context.Background(), name)
			require.NoError(t, rep.Err)
			assert.True(t, rep.Passed)
		})
	}
}

func TestSpanCounts(t *testing.T) {
	r := newTestRunner(t)
	want := map[string]int{
		"sync":                    3,
		"async":                   3,
		"exception":               5,
		"exception-with-fallback": 5,
		"continuation":            6,
	}
	for name, n := range want {
		rep := r.Run(context.Background(), name)
		require.NoError(t, rep.Err, name)
		assert.Equal(t, n, rep.Spans, name)
	}
}

func TestContinuationStaysInOneTrace(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Run(context.Background(), "continuation").Err)

	snap := r.rec.Snapshot()
	require.Len(t, snap, 1)

	var got []string
	snap[0].Root.Walk(func(s *traces.Span, _ int) bool {
		got = append(got, s.Name)
		return true
	})
	assert.Equal(t, []string{
		command.QueueMethod, traces.AsyncMarkerName, command.RunMethod,
		command.QueueMethod, traces.AsyncMarkerName, command.RunMethod,
	}, got)

	inner := snap[0].Root.Children[0].Children[0].Children[0]
	v, _ := inner.Annotation(command.AnnotationCommand)
	assert.Equal(t, "SayHelloCommand", v)
}

func TestFallbackPatternInNestedForm(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	v, err := r.Executor().Execute(ctx, ThrowExceptionCommandWithFallback{Err: ErrExpected, Message: "Fallback"})
	require.NoError(t, err)
	assert.Equal(t, "Fallback", v)

	require.NoError(t, r.Verifier().VerifyTrace(ctx,
		expect.Event(command.ServiceTypeCommand, command.QueueMethod,
			expect.Annotation(command.AnnotationCommand, "ThrowExceptionCommandWithFallback")),
		expect.Async(expect.Event(command.ServiceTypeInternal, command.RunMethod,
			expect.Annotation(command.AnnotationExecution, "run"))),
		expect.Async(expect.Event(command.ServiceTypeInternal, command.FallbackMethod,
			expect.Annotation(command.AnnotationExecution, "fallback"),
			expect.Annotation(command.AnnotationFallbackCause, "expected"))),
	))
	require.NoError(t, r.Verifier().VerifyTraceCount(ctx, 0))
}

func TestWrongPatternFails(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Executor().Execute(ctx, SayHelloCommand{Name: "x"})
	require.NoError(t, err)

	err = r.Verifier().VerifyTrace(ctx,
		expect.Event(command.ServiceTypeCommand, command.QueueMethod,
			expect.Annotation(command.AnnotationCommand, "ThrowExceptionCommand")),
	)
	var me *verify.MismatchError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.AnnotationDiff, "ThrowExceptionCommand")
}

func TestUnknownScenario(t *testing.T) {
	r := newTestRunner(t)
	rep := r.Run(context.Background(), "nope")
	assert.False(t, rep.Passed)
	assert.ErrorIs(t, rep.Err, ErrUnknownScenario)
}

func TestRunnerRejectsSingleWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.Workers = 1
	_, err := NewRunner(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRunnerWiring(t *testing.T) {
	stats := health.NewStats()
	exp := &captureExporter{}
	reg := prometheus.NewRegistry()
	var out bytes.Buffer

	cfg := testConfig()
	cfg.Verify.PrintCache = true
	r, err := NewRunner(cfg, zap.NewNop(),
		WithStats(stats), WithExporter(exp), WithRegisterer(reg), WithOutput(&out))
	require.NoError(t, err)
	defer r.Close()

	reports := r.RunAll(context.Background(), []string{"sync", "nope"})
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Passed)
	assert.False(t, reports[1].Passed)

	assert.Equal(t, int64(2), stats.ScenariosRun.Load())
	assert.Equal(t, int64(1), stats.ScenariosFailed.Load())
	assert.Equal(t, int64(1), stats.TracesExported.Load())

	exp.mu.Lock()
	assert.Len(t, exp.trs, 1)
	exp.mu.Unlock()

	assert.Contains(t, out.String(), "[TRACE]")
	assert.Contains(t, out.String(), command.RunMethod)

	n, err := testutil.GatherAndCount(reg, "olly_harness_spans_recorded_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestWriteReports(t *testing.T) {
	var buf bytes.Buffer
	err := WriteReports(&buf, []Report{
		{Scenario: "sync", Passed: true, Spans: 3, Duration: time.Millisecond},
		{Scenario: "async", Err: &verify.UnexpectedSpanError{Want: 0}},
		{Scenario: "odd", Err: errors.New("first line\nsecond line")},
	})
	require.NoError(t, err)

	s := buf.String()
	assert.Contains(t, s, "SCENARIO")
	assert.Contains(t, s, "PASS")
	assert.Contains(t, s, "FAIL")
	assert.Contains(t, s, "unexpected: expected 0 remaining spans")
	assert.Contains(t, s, "first line")
	assert.NotContains(t, s, "second line")
}
