package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbeema/olly-harness/pkg/agent"
	"github.com/mbeema/olly-harness/pkg/expect"
	"github.com/mbeema/olly-harness/pkg/hook"
	"github.com/mbeema/olly-harness/pkg/recorder"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/mbeema/olly-harness/pkg/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type greet struct{ name string }

func (greet) Key() string { return "Greet" }
func (g greet) Run(context.Context) (string, error) {
	return "Hello " + g.name, nil
}

type failing struct{}

func (failing) Key() string { return "Failing" }
func (failing) Run(context.Context) (string, error) {
	return "", errors.New("expected")
}

type failingWithFallback struct{ failing }

func (failingWithFallback) Fallback(_ context.Context, cause error) (string, error) {
	return "Fallback", nil
}

func newTestExecutor(t *testing.T) (*Executor, *recorder.Recorder) {
	t.Helper()
	rec := recorder.New(zap.NewNop(), recorder.WithPollInterval(time.Millisecond))
	a, err := agent.New(rec, zap.NewNop())
	require.NoError(t, err)
	pool := NewPool(4, 16, zap.NewNop())
	t.Cleanup(pool.Close)
	ic := hook.NewInterceptor(a, hook.Callbacks{}, zap.NewNop())
	return NewExecutor(pool, ic, zap.NewNop()), rec
}

func names(s *traces.Span) []string {
	var out []string
	s.Walk(func(sp *traces.Span, _ int) bool {
		out = append(out, sp.Name)
		return true
	})
	return out
}

func TestMethodDescriptors(t *testing.T) {
	assert.Equal(t, "command.(*Executor).Queue", QueueMethod)
	assert.Equal(t, "command.(*execution).run", RunMethod)
	assert.Equal(t, "command.(*execution).fallback", FallbackMethod)
}

func TestExecuteSuccess(t *testing.T) {
	e, rec := newTestExecutor(t)

	v, err := e.Execute(context.Background(), greet{name: "Pinpoint"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Pinpoint", v)

	require.NoError(t, rec.Await(context.Background(), time.Second))
	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	root := snap[0].Root
	assert.Equal(t, []string{QueueMethod, traces.AsyncMarkerName, RunMethod}, names(root))
	assert.Equal(t, ServiceTypeCommand, root.ServiceType)
	cmd, _ := root.Annotation(AnnotationCommand)
	assert.Equal(t, "Greet", cmd)

	run := root.Children[0].Children[0]
	assert.Equal(t, ServiceTypeInternal, run.ServiceType)
	exec, _ := run.Annotation(AnnotationExecution)
	assert.Equal(t, "run", exec)
	assert.Empty(t, snap[0].Faults)
}

func TestQueueThenGet(t *testing.T) {
	e, rec := newTestExecutor(t)

	f := e.Queue(context.Background(), greet{name: "async"})
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello async", v)
	<-f.Done()

	require.NoError(t, rec.Await(context.Background(), time.Second))
	assert.Equal(t, 3, rec.Count())
}

func TestFailureWithoutFallback(t *testing.T) {
	e, rec := newTestExecutor(t)

	_, err := e.Execute(context.Background(), failing{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFallback)
	assert.Contains(t, err.Error(), "expected")

	require.NoError(t, rec.Await(context.Background(), time.Second))
	root := rec.Snapshot()[0].Root
	assert.Equal(t, []string{
		QueueMethod, traces.AsyncMarkerName, RunMethod,
		traces.AsyncMarkerName, FallbackMethod,
	}, names(root))

	fallback := root.Children[1].Children[0]
	cause, ok := fallback.Annotation(AnnotationFallbackCause)
	assert.True(t, ok)
	assert.Equal(t, "expected", cause)
	run := root.Children[0].Children[0]
	exc, _ := run.Annotation(traces.AnnotationException)
	assert.Equal(t, "expected", exc)
}

func TestFailureWithFallback(t *testing.T) {
	e, rec := newTestExecutor(t)

	v, err := e.Execute(context.Background(), failingWithFallback{})
	require.NoError(t, err)
	assert.Equal(t, "Fallback", v)

	require.NoError(t, rec.Await(context.Background(), time.Second))
	root := rec.Snapshot()[0].Root
	require.Len(t, root.Children, 2)
	exec, _ := root.Children[1].Children[0].Annotation(AnnotationExecution)
	assert.Equal(t, "fallback", exec)
	_, hasExc := root.Children[1].Children[0].Annotation(traces.AnnotationException)
	assert.False(t, hasExc)
}

type wrapper struct {
	e *Executor
}

func (wrapper) Key() string { return "Wrapper" }
func (w wrapper) Run(ctx context.Context) (string, error) {
	return w.e.Execute(ctx, greet{name: "inner"})
}

func TestNestedExecutionStaysInOneTrace(t *testing.T) {
	e, rec := newTestExecutor(t)

	v, err := e.Execute(context.Background(), wrapper{e: e})
	require.NoError(t, err)
	assert.Equal(t, "Hello inner", v)

	require.NoError(t, rec.Await(context.Background(), time.Second))
	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 6, snap[0].Count())
	assert.Equal(t, []string{
		QueueMethod, traces.AsyncMarkerName, RunMethod,
		QueueMethod, traces.AsyncMarkerName, RunMethod,
	}, names(snap[0].Root))
}

func TestQueueOnClosedPoolFailsVerification(t *testing.T) {
	e, rec := newTestExecutor(t)
	e.pool.Close()

	_, err := e.Execute(context.Background(), greet{})
	assert.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, rec.Await(context.Background(), 100*time.Millisecond))

	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	marker := snap[0].Root.Children[0]
	assert.True(t, marker.IsMarker())
	assert.False(t, marker.Claimed)
	assert.Empty(t, marker.Children)
	require.Len(t, snap[0].Faults, 1)
	assert.Contains(t, snap[0].Faults[0].Reason, ErrPoolClosed.Error())

	v := verify.New(rec, zap.NewNop(), verify.WithTimeout(100*time.Millisecond), verify.WithoutDump())
	var mt *verify.MalformedTraceError
	err = v.VerifyTrace(context.Background(), expect.Event(ServiceTypeCommand, QueueMethod), expect.Async())
	require.ErrorAs(t, err, &mt)
	assert.Equal(t, snap[0].ID, mt.TraceID)
	assert.ErrorAs(t, v.VerifyTraceCount(context.Background(), 0), &mt)
}
