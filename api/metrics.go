package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "taskflow/api"
	movesSpanName     = "taskflow.board.move"
	movesEventName    = "board.move.request"
	movesEventDomain  = "taskflow.board"
	movesRoute        = "/api/boards/:id/moves"
	observabilityName = "observability.event"
)

type moveRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	applyDuration  time.Duration
	encodeDuration time.Duration
	boardID        string
	cardID         string
	crossColumn    bool
	duplicate      bool
	forwarded      string
	errorStage     string
}

// newMoveRequestMetrics starts a span for the request. The returned context
// carries the span and should replace the request context.
func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, movesSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveApply(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.applyDuration = duration
}

func (m *moveRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *moveRequestMetrics) SetBoard(boardID string) {
	m.boardID = boardID
}

func (m *moveRequestMetrics) SetCard(cardID string, crossColumn bool) {
	m.cardID = cardID
	m.crossColumn = crossColumn
}

func (m *moveRequestMetrics) SetDuplicate(dup bool) {
	m.duplicate = dup
}

// SetForwarded records how the move reached the backend queue: "async",
// "inline", "failed" or "" when it was not forwarded.
func (m *moveRequestMetrics) SetForwarded(mode string) {
	m.forwarded = mode
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *moveRequestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", movesRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("taskflow.moves.total_ms", durationToMillis(time.Since(m.start))),
		attribute.String("taskflow.moves.board_id", m.boardID),
		attribute.Bool("taskflow.moves.cross_column", m.crossColumn),
		attribute.Bool("taskflow.moves.duplicate", m.duplicate),
	}
	if m.cardID != "" {
		attrs = append(attrs, attribute.String("taskflow.moves.card_id", m.cardID))
	}
	if m.forwarded != "" {
		attrs = append(attrs, attribute.String("taskflow.moves.forwarded", m.forwarded))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskflow.moves.apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskflow.moves.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskflow.moves.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log ends the span and emits one structured log entry for the request.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := m.attributes(status, err)
	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", movesEventName),
		attribute.String("event.domain", movesEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityName, trace.WithAttributes(eventAttrs...))
		if severityNumber >= severityError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			if desc == "" {
				desc = "error"
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      movesEventName,
		"event.domain":    movesEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToFields(attrs),
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}

	entry := m.logger.WithFields(fields)
	switch {
	case severityNumber >= severityError:
		entry.Error(observabilityName)
	case severityNumber >= severityWarn:
		entry.Warn(observabilityName)
	default:
		entry.Info(observabilityName)
	}
}

const (
	severityInfo  = 9
	severityWarn  = 13
	severityError = 17
)

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", severityError
	case status >= http.StatusBadRequest:
		return "WARN", severityWarn
	case status == 0 && err != nil:
		return "ERROR", severityError
	case err != nil && !errors.Is(err, context.Canceled):
		return "WARN", severityWarn
	}
	return "INFO", severityInfo
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
