package traces

import (
	"strings"
	"testing"
	"time"
)

type greeter struct{}

func (*greeter) Greet() string { return "hi" }

func helperFunc() {}

func TestSpanKindString(t *testing.T) {
	cases := map[SpanKind]string{
		SpanKindRootCall:     "ROOT_CALL",
		SpanKindInternalCall: "INTERNAL_CALL",
		SpanKindAsyncMarker:  "ASYNC_MARKER",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}

func TestSetAnnotationKeepsKeysUnique(t *testing.T) {
	s := &Span{}
	s.SetAnnotation("hystrix.command", "A")
	s.SetAnnotation("hystrix.command.execution", "run")
	s.SetAnnotation("hystrix.command", "B")

	if len(s.Annotations) != 2 {
		t.Fatalf("expected 2 annotations, got %d", len(s.Annotations))
	}
	if s.Annotations[0].Key != "hystrix.command" || s.Annotations[0].Value != "B" {
		t.Errorf("expected first annotation replaced in place, got %+v", s.Annotations[0])
	}
	if v, ok := s.Annotation("hystrix.command.execution"); !ok || v != "run" {
		t.Errorf("Annotation(execution) = %q, %v", v, ok)
	}
	if _, ok := s.Annotation("missing"); ok {
		t.Error("expected missing annotation to be absent")
	}
}

func TestSetError(t *testing.T) {
	s := &Span{}
	s.SetError("boom")
	if s.Status != StatusError {
		t.Errorf("expected StatusError, got %d", s.Status)
	}
	if v, _ := s.Annotation(AnnotationException); v != "boom" {
		t.Errorf("expected exception annotation 'boom', got %q", v)
	}
}

func TestEndKeepsErrorStatus(t *testing.T) {
	start := time.Unix(100, 0)
	s := &Span{StartTime: start}
	s.SetError("boom")
	s.End(start.Add(5 * time.Millisecond))

	if s.Status != StatusError {
		t.Error("End should not clear an error status")
	}
	if s.Duration != 5*time.Millisecond {
		t.Errorf("Duration = %v, want 5ms", s.Duration)
	}
	if !s.Ended() {
		t.Error("expected span to be ended")
	}
}

func TestCloneIsDeep(t *testing.T) {
	root := &Span{Name: "root", Annotations: []Annotation{{Key: "k", Value: "v"}}}
	child := &Span{Name: "child"}
	root.Children = append(root.Children, child)

	c := root.Clone()
	c.Annotations[0].Value = "changed"
	c.Children[0].Name = "changed"
	c.Children = append(c.Children, &Span{})

	if root.Annotations[0].Value != "v" {
		t.Error("clone shares annotations with original")
	}
	if root.Children[0].Name != "child" {
		t.Error("clone shares children with original")
	}
	if len(root.Children) != 1 {
		t.Error("clone shares children slice with original")
	}
}

func TestWalkAndCount(t *testing.T) {
	marker := &Span{Kind: SpanKindAsyncMarker, Children: []*Span{{Name: "run"}}}
	root := &Span{Name: "queue", Children: []*Span{marker}}

	var names []string
	root.Walk(func(s *Span, depth int) bool {
		names = append(names, s.Name)
		return !s.IsMarker()
	})
	if len(names) != 2 {
		t.Errorf("expected walk to stop below marker, visited %v", names)
	}
	if root.Count() != 3 {
		t.Errorf("Count() = %d, want 3", root.Count())
	}

	tr := &Trace{ID: "t", Root: root}
	if tr.Count() != 3 {
		t.Errorf("Trace.Count() = %d, want 3", tr.Count())
	}
	var empty *Trace
	if empty.Count() != 0 {
		t.Error("nil trace should count 0")
	}
}

func TestIDGenerator(t *testing.T) {
	g, err := NewIDGenerator(1)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.SpanID()
		if seen[id] {
			t.Fatalf("duplicate span id %s", id)
		}
		seen[id] = true
	}
	if g.TraceID() == g.TraceID() {
		t.Error("trace ids should be unique")
	}
	if _, err := NewIDGenerator(5000); err == nil {
		t.Error("expected error for out of range node id")
	}
}

func TestMethodName(t *testing.T) {
	if got := MethodName((*greeter).Greet); got != "traces.(*greeter).Greet" {
		t.Errorf("MethodName(method expr) = %q", got)
	}
	g := &greeter{}
	if got := MethodName(g.Greet); got != "traces.(*greeter).Greet" {
		t.Errorf("MethodName(method value) = %q", got)
	}
	if got := MethodName(helperFunc); !strings.HasSuffix(got, "helperFunc") {
		t.Errorf("MethodName(func) = %q", got)
	}
	if got := MethodName("not a func"); got != "string" {
		t.Errorf("MethodName(non-func) = %q", got)
	}
}
