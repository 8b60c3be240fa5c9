package export

import (
	"testing"

	"github.com/mbeema/olly-harness/pkg/traces"
)

func newTraceIDs(t *testing.T, n int) []string {
	t.Helper()
	gen, err := traces.NewIDGenerator(1)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = gen.TraceID()
	}
	return ids
}

func TestSamplerKeepAll(t *testing.T) {
	s := NewSampler(1.0)
	for _, id := range newTraceIDs(t, 100) {
		if !s.ShouldSample(id, false) {
			t.Fatalf("rate=1.0 should keep all traces")
		}
	}
}

func TestSamplerDropAll(t *testing.T) {
	s := NewSampler(0.0)
	for _, id := range newTraceIDs(t, 100) {
		if s.ShouldSample(id, false) {
			t.Fatalf("rate=0.0 should drop all non-error traces")
		}
	}
}

func TestSamplerAlwaysKeepErrors(t *testing.T) {
	s := NewSampler(0.0)
	if !s.ShouldSample(newTraceIDs(t, 1)[0], true) {
		t.Fatal("errors should always be kept even at rate=0")
	}
}

func TestSamplerDeterministic(t *testing.T) {
	s := NewSampler(0.5)
	id := newTraceIDs(t, 1)[0]
	first := s.ShouldSample(id, false)
	for i := 0; i < 100; i++ {
		if s.ShouldSample(id, false) != first {
			t.Fatal("same traceID should always get the same sampling decision")
		}
	}
}

func TestSamplerApproximateRate(t *testing.T) {
	s := NewSampler(0.1)
	kept := 0
	ids := newTraceIDs(t, 10000)
	for _, id := range ids {
		if s.ShouldSample(id, false) {
			kept++
		}
	}
	rate := float64(kept) / float64(len(ids))
	if rate < 0.05 || rate > 0.15 {
		t.Errorf("expected ~10%% sample rate, got %.1f%% (%d/%d)", rate*100, kept, len(ids))
	}
}

func TestSamplerRate(t *testing.T) {
	s := NewSampler(0.42)
	if s.Rate() != 0.42 {
		t.Errorf("expected rate 0.42, got %f", s.Rate())
	}
}

func TestSamplerFilterKeepsErroredTraces(t *testing.T) {
	ok := &traces.Trace{ID: "a", Root: &traces.Span{Status: traces.StatusOK}}
	failed := &traces.Trace{ID: "b", Root: &traces.Span{
		Status:   traces.StatusOK,
		Children: []*traces.Span{{Status: traces.StatusError}},
	}}
	faulted := &traces.Trace{ID: "c", Root: &traces.Span{}, Faults: []traces.Fault{{Reason: "closed twice"}}}

	got := NewSampler(0).Filter([]*traces.Trace{ok, failed, faulted})
	if len(got) != 2 || got[0] != failed || got[1] != faulted {
		t.Fatalf("Filter kept %v", got)
	}
}
