// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/mbeema/olly-harness/pkg/config"
	"github.com/mbeema/olly-harness/pkg/traces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// Span attribute keys added on top of the recorded annotations.
const (
	AttrServiceType = "olly.service_type"
	AttrSpanKind    = "olly.span_kind"
	AttrClaimed     = "olly.async.claimed"
	AttrThreadID    = "thread.id"
)

// OTLPExporter sends recorded traces via OTLP gRPC behind a circuit breaker.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	timeout     time.Duration

	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
	cb       *gobreaker.CircuitBreaker[any]
}

// NewOTLPExporter creates a new OTLP gRPC exporter. Extra dial options are
// appended after the ones derived from cfg.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger, extra ...grpc.DialOption) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}

	// Enable gzip compression for gRPC (default: gzip)
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial OTLP endpoint %s: %w", cfg.Endpoint, err)
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		timeout:     timeout,
		conn:        conn,
		traceSvc:    coltracepb.NewTraceServiceClient(conn),
	}
	e.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "otlp:" + cfg.Endpoint,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("otlp circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return e, nil
}

// ClientMetrics registers gRPC client metrics on reg and returns the dial
// option that records them for OTLP calls.
func ClientMetrics(reg prometheus.Registerer) (grpc.DialOption, error) {
	cm := grpc_prometheus.NewClientMetrics()
	if err := reg.Register(cm); err != nil {
		return nil, fmt.Errorf("register grpc client metrics: %w", err)
	}
	return grpc.WithChainUnaryInterceptor(cm.UnaryClientInterceptor()), nil
}

// BreakerState returns the current circuit breaker state.
func (e *OTLPExporter) BreakerState() gobreaker.State {
	return e.cb.State()
}

// resource returns OTEL resource attributes for the harness process.
func (e *OTLPExporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", e.serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "olly-harness"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}},
	}
}

// ExportTraces sends every span of trs in a single request.
func (e *OTLPExporter) ExportTraces(ctx context.Context, trs []*traces.Trace) error {
	var spans []*tracepb.Span
	for _, t := range trs {
		t.Root.Walk(func(s *traces.Span, _ int) bool {
			ps, err := convertSpan(s)
			if err != nil {
				e.logger.Debug("skip span conversion", zap.String("span", s.SpanID), zap.Error(err))
				return true
			}
			spans = append(spans, ps)
			return true
		})
	}
	if len(spans) == 0 {
		return nil
	}

	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: e.resource(),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "olly-harness", Version: "0.1.0"},
				Spans: spans,
			}},
		}},
	}

	e.logger.Debug("exporting spans",
		zap.Int("spans", len(spans)),
		zap.Int("bytes", proto.Size(req)),
		zap.String("breaker", e.cb.State().String()),
	)

	_, err := e.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.traceSvc.Export(callCtx, req)
	})
	if err != nil {
		return fmt.Errorf("otlp export to %s: %w", e.endpoint, err)
	}
	return nil
}

func convertSpan(s *traces.Span) (*tracepb.Span, error) {
	traceID, err := traceIDBytes(s.TraceID)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}
	spanID, err := spanIDBytes(s.SpanID)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              sanitizeUTF8(s.Name),
		Kind:              convertSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
	}
	if s.Ended() {
		ps.EndTimeUnixNano = uint64(s.EndTime.UnixNano())
	}

	if s.ParentSpanID != "" {
		if parentID, err := spanIDBytes(s.ParentSpanID); err == nil {
			ps.ParentSpanId = parentID
		}
	}

	ps.Status = &tracepb.Status{}
	switch s.Status {
	case traces.StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case traces.StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = sanitizeUTF8(s.StatusMsg)
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	ps.Attributes = append(ps.Attributes,
		strAttr(AttrServiceType, s.ServiceType),
		strAttr(AttrSpanKind, s.Kind.String()),
	)
	if s.TID != 0 {
		ps.Attributes = append(ps.Attributes, intAttr(AttrThreadID, int64(s.TID)))
	}
	if s.IsMarker() {
		ps.Attributes = append(ps.Attributes, boolAttr(AttrClaimed, s.Claimed))
	}
	for _, a := range s.Annotations {
		ps.Attributes = append(ps.Attributes, strAttr(a.Key, sanitizeUTF8(a.Value)))
	}

	return ps, nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	return e.conn.Close()
}

// sanitizeUTF8 replaces invalid UTF-8 sequences with the Unicode replacement
// character. Annotation values come from arbitrary error strings.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}

// traceIDBytes left-pads the 12-byte xid to the 16 bytes OTLP requires.
func traceIDBytes(s string) ([]byte, error) {
	id, err := xid.FromString(s)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 16)
	copy(b[4:], id.Bytes())
	return b, nil
}

func spanIDBytes(s string) ([]byte, error) {
	id, err := snowflake.ParseString(s)
	if err != nil {
		return nil, err
	}
	b := id.IntBytes()
	return b[:], nil
}

func convertSpanKind(k traces.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case traces.SpanKindRootCall:
		return tracepb.Span_SPAN_KIND_SERVER
	case traces.SpanKindAsyncMarker:
		return tracepb.Span_SPAN_KIND_PRODUCER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}
