package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "prism-board/api"
	movesRoute       = "/api/projects/:projectId/moves"
	movesSpanName    = "prism.board.moves.request"
	movesEventName   = "board.moves.request"
	movesEventDomain = "prism.board"
	observabilityMsg = "observability.event"
)

type moveRequestMetrics struct {
	logger             *log.Logger
	span               trace.Span
	start              time.Time
	authDuration       time.Duration
	moveDuration       time.Duration
	encodeDuration     time.Duration
	projectID          string
	outcome            string
	updates            int
	completed          bool
	idempotencyKeySent bool
	errorStage         string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, movesSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *moveRequestMetrics) ObserveMove(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.moveDuration = duration
}

func (m *moveRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *moveRequestMetrics) SetProject(projectID string) { m.projectID = projectID }

func (m *moveRequestMetrics) SetIdempotencyKeyProvided(provided bool) {
	m.idempotencyKeySent = provided
}

func (m *moveRequestMetrics) SetOutcome(status string, updates int, completed bool) {
	if updates < 0 {
		updates = 0
	}
	m.outcome = status
	m.updates = updates
	m.completed = completed
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", movesRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("prism.moves.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("prism.moves.updates", m.updates),
		attribute.Bool("prism.moves.completed", m.completed),
		attribute.Bool("prism.moves.idempotency_key_provided", m.idempotencyKeySent),
	}
	if m.projectID != "" {
		attrs = append(attrs, attribute.String("prism.moves.project_id", m.projectID))
	}
	if m.outcome != "" {
		attrs = append(attrs, attribute.String("prism.moves.outcome", m.outcome))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.moveDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.move_ms", durationToMillis(m.moveDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("prism.moves.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("prism.moves.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	sevText, sevNumber := severityForStatus(status, err)
	fields := log.Fields{
		"event.name":      movesEventName,
		"event.domain":    movesEventDomain,
		"severity_text":   sevText,
		"severity_number": sevNumber,
		"attributes":      attributesToFields(attrs),
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", movesEventName),
			attribute.String("event.domain", movesEventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}, attrs...)
		m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, fmt.Sprintf("http status %d", status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		m.span.End()
	}

	if m.logger != nil {
		m.logger.WithFields(fields).Log(logLevelForSeverity(sevNumber), observabilityMsg)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func logLevelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func attributesToFields(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
