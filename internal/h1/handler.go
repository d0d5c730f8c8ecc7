package h1

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ArtAndreev/highload-web-server/internal/metrics"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// TracerName is the instrumentation name of request spans.
const TracerName = "github.com/ArtAndreev/highload-web-server/internal/h1"

// Exchange is one request in flight through a Handler.
type Exchange struct {
	Req      Request
	ParseErr error

	span  trace.Span
	start time.Time
}

// NeedsFile reports whether the response depends on the static resolver.
func (x *Exchange) NeedsFile() bool {
	return NeedsStatic(&x.Req, x.ParseErr)
}

// Handler parses a complete header block and builds its response. A Handler
// is owned by one worker: Begin and Finish must not be called concurrently.
// Resolve only touches the filesystem and may run on any goroutine.
type Handler struct {
	parser  *Parser
	builder *Builder
	tracer  trace.Tracer
}

// NewHandler creates a handler serving files from resolver.
func NewHandler(resolver *static.Resolver) *Handler {
	return &Handler{
		parser:  NewParser(),
		builder: NewBuilder(resolver),
		tracer:  otel.Tracer(TracerName),
	}
}

// Begin parses raw and starts the request span. It fails only with
// ErrNoRequest, in which case no span is left open.
func (h *Handler) Begin(ctx context.Context, raw []byte) (*Exchange, error) {
	x := &Exchange{start: time.Now()}

	h.parser.Reset(raw)
	x.ParseErr = h.parser.ParseRequest(&x.Req)
	if errors.Is(x.ParseErr, ErrNoRequest) {
		return nil, x.ParseErr
	}

	name := "HTTP"
	if x.ParseErr == nil {
		name = x.Req.Method + " " + x.Req.Path
	}
	_, x.span = h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
	x.span.SetAttributes(
		attribute.String("http.method", x.Req.Method),
		attribute.String("http.target", x.Req.Path),
		attribute.String("http.flavor", x.Req.Version),
	)
	return x, nil
}

// Resolve looks up the file for x.
func (h *Handler) Resolve(x *Exchange) (*static.File, error) {
	return h.builder.ResolveStatic(&x.Req)
}

// Finish builds the response for x. f and resolveErr are the results of
// Resolve and are ignored unless x.NeedsFile().
func (h *Handler) Finish(x *Exchange, f *static.File, resolveErr error) (*Response, error) {
	var (
		resp *Response
		err  error
	)
	if x.NeedsFile() {
		resp, err = h.builder.FinishStatic(&x.Req, f, resolveErr)
	} else {
		resp, err = h.builder.Build(&x.Req, x.ParseErr)
	}
	defer x.span.End()

	if err != nil {
		x.span.RecordError(err)
		x.span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	x.span.SetAttributes(
		attribute.Int("http.status_code", resp.Status),
		attribute.Int64("http.response_content_length", resp.ContentLength),
	)
	if resp.Status >= 400 {
		x.span.SetStatus(codes.Error, statusText(resp.Status))
	} else {
		x.span.SetStatus(codes.Ok, "")
	}

	metrics.ObserveRequest(x.Req.Method, resp.Status, resp.Len(), time.Since(x.start))
	return resp, nil
}

// Handle runs Begin, Resolve and Finish synchronously.
func (h *Handler) Handle(ctx context.Context, raw []byte) (*Exchange, *Response, error) {
	x, err := h.Begin(ctx, raw)
	if err != nil {
		return nil, nil, err
	}

	var (
		f          *static.File
		resolveErr error
	)
	if x.NeedsFile() {
		f, resolveErr = h.Resolve(x)
	}
	resp, err := h.Finish(x, f, resolveErr)
	return x, resp, err
}
