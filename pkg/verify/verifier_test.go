package verify

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mbeema/olly-harness/pkg/agent"
	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/recorder"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	stCall     = "TEST"
	stInternal = "TEST_INTERNAL"
)

type harness struct {
	t   *testing.T
	rec *recorder.Recorder
	a   *agent.Agent
	v   *Verifier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rec := recorder.New(zap.NewNop(), recorder.WithPollInterval(time.Millisecond))
	a, err := agent.New(rec, zap.NewNop())
	require.NoError(t, err)
	opts = append([]Option{WithTimeout(time.Second)}, opts...)
	return &harness{t: t, rec: rec, a: a, v: New(rec, zap.NewNop(), opts...)}
}

// span records a span around body.
func (h *harness) span(ctx context.Context, st, method string, body func(context.Context)) {
	sctx, sh := h.a.BeginSpan(ctx, agent.Call{ServiceType: st, Method: method})
	if body != nil {
		body(sctx)
	}
	h.a.EndSpan(sh, nil)
}

// continueOn resumes c on another goroutine, records method under it and
// waits for the continuation to finish.
func (h *harness) continueOn(c *agent.Capsule, method string, body func(context.Context)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rctx, err := h.a.Resume(context.Background(), c)
		if err != nil {
			h.t.Errorf("resume: %v", err)
			return
		}
		defer h.a.Release(rctx)
		h.span(rctx, stInternal, method, body)
	}()
	<-done
}

// dispatch records queue -> marker -> run, with body running inside run.
func (h *harness) dispatch(body func(context.Context)) {
	var c *agent.Capsule
	h.span(context.Background(), stCall, "queue", func(ctx context.Context) {
		c = h.a.DeferAndCapture(ctx)
	})
	h.continueOn(c, "run", body)
}

func (h *harness) syncTree() {
	h.span(context.Background(), stCall, "a", func(ctx context.Context) {
		h.span(ctx, stInternal, "b", nil)
		h.span(ctx, stInternal, "c", nil)
	})
}

func TestVerifySyncOrder(t *testing.T) {
	h := newHarness(t)
	h.syncTree()

	require.NoError(t, h.v.VerifyTrace(context.Background(),
		expect.Event(stCall, "a"),
		expect.Event(stInternal, "b"),
		expect.Event(stInternal, "c"),
	))
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 0))
}

func TestVerifyOutOfOrderFails(t *testing.T) {
	h := newHarness(t)
	h.syncTree()

	err := h.v.VerifyTrace(context.Background(),
		expect.Event(stCall, "a"),
		expect.Event(stInternal, "c"),
	)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "expect[1]", me.Path)
	require.NotNil(t, me.Actual)
	assert.Equal(t, "b", me.Actual.Name)
}

func TestVerifyConsumesAcrossCalls(t *testing.T) {
	h := newHarness(t)
	h.syncTree()
	ctx := context.Background()

	require.NoError(t, h.v.VerifyTrace(ctx, expect.Event(stCall, "a")))
	require.NoError(t, h.v.VerifyTraceCount(ctx, 2))
	require.NoError(t, h.v.VerifyTrace(ctx, expect.Event(stInternal, "b")))
	require.NoError(t, h.v.VerifyTrace(ctx, expect.Event(stInternal, "c")))
	require.NoError(t, h.v.VerifyTraceCount(ctx, 0))

	var me *MismatchError
	require.ErrorAs(t, h.v.VerifyTrace(ctx, expect.Event(stCall, "a")), &me)
	assert.Nil(t, me.Actual)
	assert.Contains(t, me.Error(), "<no more spans>")
}

func TestFailedVerifyConsumesNothing(t *testing.T) {
	h := newHarness(t)
	h.syncTree()
	ctx := context.Background()

	require.Error(t, h.v.VerifyTrace(ctx,
		expect.Event(stCall, "a"),
		expect.Event(stInternal, "nope"),
	))
	require.NoError(t, h.v.VerifyTraceCount(ctx, 3))
	require.NoError(t, h.v.VerifyTrace(ctx,
		expect.Event(stCall, "a"),
		expect.Event(stInternal, "b"),
	))
}

func TestVerifyDispatchGroup(t *testing.T) {
	h := newHarness(t)
	h.dispatch(nil)
	ctx := context.Background()

	require.NoError(t, h.v.VerifyTrace(ctx,
		expect.Event(stCall, "queue"),
		expect.Async(expect.Event(stInternal, "run")),
	))
	require.NoError(t, h.v.VerifyTraceCount(ctx, 0))
}

func TestVerifyFlatFormMatchesMarkerAsEvent(t *testing.T) {
	h := newHarness(t)
	h.dispatch(nil)

	require.NoError(t, h.v.VerifyTrace(context.Background(),
		expect.Event(stCall, "queue"),
		expect.Event(traces.ServiceTypeAsync, traces.AsyncMarkerName),
		expect.Event(stInternal, "run"),
	))
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 0))
}

func TestVerifyTwoLevelNesting(t *testing.T) {
	h := newHarness(t)
	h.dispatch(func(ctx context.Context) {
		c := h.a.DeferAndCapture(ctx)
		h.continueOn(c, "run2", nil)
	})

	require.NoError(t, h.v.VerifyTrace(context.Background(),
		expect.Event(stCall, "queue"),
		expect.Async(
			expect.Event(stInternal, "run"),
			expect.Async(expect.Event(stInternal, "run2")),
		),
	))
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 0))
}

func TestVerifyGroupLeftovers(t *testing.T) {
	h := newHarness(t)
	h.dispatch(func(ctx context.Context) {
		h.span(ctx, stInternal, "extra", nil)
	})

	err := h.v.VerifyTrace(context.Background(),
		expect.Event(stCall, "queue"),
		expect.Async(expect.Event(stInternal, "run")),
	)
	var ue *UnexpectedSpanError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "expect[1].async", ue.Path)
	require.Len(t, ue.Spans, 1)
	assert.Equal(t, "extra", ue.Spans[0].Name)
}

func TestAsyncExpectationNeedsMarker(t *testing.T) {
	h := newHarness(t)
	h.syncTree()

	err := h.v.VerifyTrace(context.Background(), expect.Async(expect.Event(stCall, "a")))
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "expected an async marker", me.Reason)
}

func TestVerifyRoundTripFromRecorded(t *testing.T) {
	h := newHarness(t)
	h.dispatch(func(ctx context.Context) {
		h.span(ctx, stInternal, "child", nil)
	})
	h.syncTree()

	require.NoError(t, h.rec.Await(context.Background(), time.Second))
	exps := expect.FromTraces(h.rec.Snapshot()...)
	assert.Equal(t, 7, expect.Size(exps...))

	require.NoError(t, h.v.VerifyTrace(context.Background(), exps...))
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 0))
}

func TestSnapshotsAreStable(t *testing.T) {
	h := newHarness(t)
	h.dispatch(nil)
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 3))

	first := h.rec.Snapshot()
	second := h.rec.Snapshot()
	assert.Empty(t, cmp.Diff(first, second))
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 3))
}

func TestVerifyAnnotationMismatch(t *testing.T) {
	h := newHarness(t)
	_, sh := h.a.BeginSpan(context.Background(), agent.Call{ServiceType: stCall, Method: "a"})
	h.a.Annotate(sh, "k", "v1")
	h.a.EndSpan(sh, nil)

	err := h.v.VerifyTrace(context.Background(), expect.Event(stCall, "a", expect.Annotation("k", "v2")))
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "expect[0]", me.Path)
	assert.Contains(t, me.AnnotationDiff, "v1")
	assert.Contains(t, me.AnnotationDiff, "v2")
	assert.Contains(t, me.Dump, "EXPECTED")
	assert.Contains(t, me.Dump, "ACTUAL")

	require.NoError(t, h.v.VerifyTrace(context.Background(), expect.Event(stCall, "a", expect.AnnotationExists("k"))))
}

func TestWithoutDump(t *testing.T) {
	h := newHarness(t, WithoutDump())
	h.syncTree()

	var me *MismatchError
	require.ErrorAs(t, h.v.VerifyTrace(context.Background(), expect.Event(stCall, "zzz")), &me)
	assert.Empty(t, me.Dump)
}

func TestVerifyCountMismatch(t *testing.T) {
	h := newHarness(t)
	h.syncTree()

	var ue *UnexpectedSpanError
	require.ErrorAs(t, h.v.VerifyTraceCount(context.Background(), 1), &ue)
	assert.Equal(t, 1, ue.Want)
	assert.Len(t, ue.Spans, 3)
	assert.Contains(t, ue.Error(), "expected 1 remaining spans, found 3")
}

func TestUnresolvedMarker(t *testing.T) {
	h := newHarness(t, WithTimeout(30*time.Millisecond))
	var c *agent.Capsule
	h.span(context.Background(), stCall, "queue", func(ctx context.Context) {
		c = h.a.DeferAndCapture(ctx)
	})

	err := h.v.VerifyTrace(context.Background(), expect.Event(stCall, "queue"))
	var ue *UnresolvedAsyncMarkerError
	require.ErrorAs(t, err, &ue)
	require.Len(t, ue.Markers, 1)
	assert.Equal(t, c.MarkerID(), ue.Markers[0].SpanID)
	assert.Contains(t, ue.Dump, "UNCLAIMED")
}

func TestMalformedTrace(t *testing.T) {
	h := newHarness(t)
	_, sh := h.a.BeginSpan(context.Background(), agent.Call{ServiceType: stCall, Method: "a"})
	h.a.EndSpan(sh, nil)
	h.a.EndSpan(sh, nil)

	err := h.v.VerifyTrace(context.Background(), expect.Event(stCall, "a"))
	var mt *MalformedTraceError
	require.ErrorAs(t, err, &mt)
	tr := h.rec.Snapshot()[0]
	assert.Equal(t, tr.ID, mt.TraceID)
	require.NotEmpty(t, mt.Faults)
	assert.Contains(t, mt.Error(), "closed twice")
}

func TestPrintCache(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, WithOutput(&buf, "text"))
	h.syncTree()

	h.v.PrintCache()
	assert.Contains(t, buf.String(), "[TRACE]")
	assert.Contains(t, buf.String(), "TEST_INTERNAL c")
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.syncTree()
	require.NoError(t, h.v.VerifyTrace(context.Background(), expect.Event(stCall, "a")))

	h.v.Reset()
	require.NoError(t, h.v.VerifyTraceCount(context.Background(), 0))

	h.syncTree()
	require.NoError(t, h.v.VerifyTrace(context.Background(), expect.Event(stCall, "a")))
}

func TestErrorsAreDistinct(t *testing.T) {
	var me *MismatchError
	var ue *UnexpectedSpanError
	err := error(&UnexpectedSpanError{Want: 0})
	assert.False(t, errors.As(err, &me))
	assert.True(t, errors.As(err, &ue))
}
