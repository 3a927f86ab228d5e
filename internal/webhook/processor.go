package webhook

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/marketplace-payments/internal/ledger"
	"github.com/noah-isme/marketplace-payments/internal/obs"
)

// Outcome is the result of handing one verified event to the processor.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeFailed     Outcome = "failed"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInProgress Outcome = "in_progress"
)

// ErrLedgerUnavailable wraps ledger failures that prevent a claim or a commit. The provider should redeliver.
var ErrLedgerUnavailable = errors.New("webhook: ledger unavailable")

// Result reports what happened to an event.
type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Summary   Summary
	Record    ledger.Record
	// Err is the handler failure when Outcome is OutcomeFailed.
	Err error
}

// Processor claims events in the ledger, dispatches them and records the outcome.
type Processor struct {
	Ledger         ledger.Store
	Router         *Router
	HandlerTimeout time.Duration
	LedgerTimeout  time.Duration
	Metrics        *obs.WebhookMetrics
	Logger         zerolog.Logger
}

const (
	defaultHandlerTimeout = 10 * time.Second
	defaultLedgerTimeout  = 3 * time.Second
)

// Process runs evt at most once to success. Handler failures are recorded and reported in Result, not as an
// error; the returned error is non-nil only when the ledger could not be read or written.
func (p *Processor) Process(ctx context.Context, evt Event) (Result, error) {
	ctx, span := otel.Tracer("webhook").Start(ctx, "webhook.process")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.event_id", evt.ID), attribute.String("webhook.event_type", evt.Type))

	res := Result{EventID: evt.ID, EventType: evt.Type}
	router := p.Router
	if router == nil {
		router = NewRouter()
	}
	handler, known := router.Route(evt.Type)

	claimCtx, cancel := context.WithTimeout(ctx, p.ledgerTimeout())
	rec, err := p.Ledger.Begin(claimCtx, evt.ID, evt.Type)
	cancel()
	switch {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		p.countClaim("duplicate")
		res.Outcome, res.Record = OutcomeDuplicate, rec
		p.countEvent(res)
		return res, nil
	case errors.Is(err, ledger.ErrInProgress):
		p.countClaim("in_progress")
		res.Outcome, res.Record = OutcomeInProgress, rec
		p.countEvent(res)
		return res, nil
	case err != nil:
		p.countClaim("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger begin")
		p.Logger.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("webhook ledger claim failed")
		return res, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	p.countClaim("claimed")

	outcome := ledger.Processed()
	if known {
		summary, herr := p.dispatch(ctx, evt, handler)
		if herr != nil {
			res.Err = &Error{Kind: KindHandler, Err: herr}
			outcome = ledger.Failed(herr)
		}
		res.Summary = summary
	} else {
		res.Summary, _ = Acknowledge(ctx, evt)
	}

	// The commit must land even if the caller gave up on the request.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.ledgerTimeout())
	attempt := rec.RetryCount
	rec, err = p.Ledger.Commit(commitCtx, evt.ID, attempt, outcome)
	cancel()
	if errors.Is(err, ledger.ErrClaimLost) {
		// The lease expired while the handler ran and a redelivery took over. Its outcome stands.
		p.countClaim("lost")
		p.Logger.Warn().Str("event_id", evt.ID).Str("event_type", evt.Type).Int("retry_count", attempt).
			Str("outcome", string(outcome.Status)).Str("current_status", string(rec.Status)).
			Msg("webhook claim lost before commit")
		res.Record = rec
		res.Outcome = OutcomeInProgress
		if rec.Status == ledger.StatusProcessed {
			res.Outcome = OutcomeDuplicate
		}
		p.countEvent(res)
		return res, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger commit")
		p.Logger.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.Type).
			Str("outcome", string(outcome.Status)).Msg("webhook ledger commit failed")
		return res, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	res.Record = rec

	switch {
	case res.Err != nil:
		res.Outcome = OutcomeFailed
		span.SetStatus(codes.Error, "handler failed")
		p.Logger.Error().
			Str("event_id", evt.ID).
			Str("event_type", evt.Type).
			Str("error_kind", KindHandler.String()).
			Int("retry_count", rec.RetryCount).
			Err(res.Err).
			Msg("webhook handler failed")
	case known:
		res.Outcome = OutcomeProcessed
	default:
		res.Outcome = OutcomeIgnored
		p.Logger.Debug().Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("webhook event type not handled")
	}
	p.countEvent(res)
	return res, nil
}

// dispatch runs h under the handler timeout and turns panics into errors.
func (p *Processor) dispatch(ctx context.Context, evt Event, h HandlerFunc) (summary Summary, err error) {
	ctx, span := otel.Tracer("webhook").Start(ctx, "webhook.handle "+evt.Type)
	ctx, cancel := context.WithTimeout(ctx, p.handlerTimeout())
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			p.Logger.Error().Str("event_id", evt.ID).Str("event_type", evt.Type).
				Bytes("stack", debug.Stack()).Msg("webhook handler panicked")
			err = fmt.Errorf("handler panic: %v", rec)
		}
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p.Metrics != nil {
			p.Metrics.HandlerDuration.WithLabelValues(evt.Type).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()

	summary, err = h(ctx, evt)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded %s: %w", p.handlerTimeout(), err)
	}
	return summary, err
}

func (p *Processor) handlerTimeout() time.Duration {
	if p.HandlerTimeout > 0 {
		return p.HandlerTimeout
	}
	return defaultHandlerTimeout
}

func (p *Processor) ledgerTimeout() time.Duration {
	if p.LedgerTimeout > 0 {
		return p.LedgerTimeout
	}
	return defaultLedgerTimeout
}

func (p *Processor) countClaim(result string) {
	if p.Metrics != nil {
		p.Metrics.LedgerClaims.WithLabelValues(result).Inc()
	}
}

func (p *Processor) countEvent(res Result) {
	if p.Metrics != nil {
		p.Metrics.Events.WithLabelValues(res.EventType, string(res.Outcome)).Inc()
	}
}
