// Package worker runs the delivery pool: claim jobs from the durable queue,
// gate on the channel circuit, render, sign, post, and hand failures to the
// retry controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chatrelay/chatrelay/internal/breaker"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
	"github.com/chatrelay/chatrelay/internal/retry"
	"github.com/chatrelay/chatrelay/internal/rule"
	"github.com/chatrelay/chatrelay/internal/tracing"
)

// Sender posts a rendered payload to a channel endpoint.
// Satisfied by *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, ch rule.Channel, payload []byte) (dispatch.Result, error)
}

// Pool claims and delivers jobs with a fixed number of goroutines. Claim
// exclusivity comes from the store's visibility timeout, so multiple pools
// in separate processes can share one queue.
type Pool struct {
	id       string
	store    queue.Store
	attempts queue.AttemptLog
	rules    rule.Store
	breaker  *breaker.Breaker
	sender   Sender
	renderer dispatch.Renderer
	retries  *retry.Controller
	cfg      config.Worker
	logger   *logging.Logger
	now      func() time.Time
}

func NewPool(
	id string,
	store queue.Store,
	attempts queue.AttemptLog,
	rules rule.Store,
	br *breaker.Breaker,
	sender Sender,
	renderer dispatch.Renderer,
	retries *retry.Controller,
	cfg config.Worker,
	logger *logging.Logger,
) *Pool {
	return &Pool{
		id:       id,
		store:    store,
		attempts: attempts,
		rules:    rules,
		breaker:  br,
		sender:   sender,
		renderer: renderer,
		retries:  retries,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run claims and processes jobs until ctx is canceled, then drains in-flight
// work before returning.
func (p *Pool) Run(ctx context.Context) {
	jobs := make(chan queue.Job)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				// Claimed work finishes even during shutdown; the job
				// would otherwise sit invisible until its claim expires.
				p.process(context.WithoutCancel(ctx), job)
			}
		}()
	}

	go p.housekeeping(ctx)

	p.logger.Plain().WithFields(map[string]any{
		"worker_id": p.id,
		"pool_size": p.cfg.PoolSize,
	}).Info("delivery pool started")

claimLoop:
	for {
		select {
		case <-ctx.Done():
			break claimLoop
		default:
		}

		claimed, err := p.store.Claim(ctx, p.id, p.cfg.ClaimBatch, p.cfg.ClaimVisibility)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Plain().WithError(err).Error("claim failed")
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(claimed) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		for _, job := range claimed {
			select {
			case jobs <- job:
			case <-ctx.Done():
				// Unhanded claims are reclaimed when their visibility
				// timeout lapses.
				break claimLoop
			}
		}
	}

	close(jobs)
	wg.Wait()
	p.logger.Plain().WithField("worker_id", p.id).Info("delivery pool stopped")
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// housekeeping promotes due retries, releases expired claims, and refreshes
// backlog gauges.
func (p *Pool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := p.now()
		if n, err := p.store.PromoteDue(ctx, now); err != nil {
			p.logger.Plain().WithError(err).Error("promote due failed")
		} else if n > 0 {
			p.logger.Plain().WithField("count", n).Debug("promoted due retries")
		}
		if n, err := p.store.ReleaseExpired(ctx, now); err != nil {
			p.logger.Plain().WithError(err).Error("release expired failed")
		} else if n > 0 {
			p.logger.Plain().WithField("count", n).Warn("released expired claims")
		}
		if depths, err := p.store.Depths(ctx); err == nil {
			for tier, depth := range depths {
				metrics.UpdateBacklog(strconv.Itoa(int(tier)), float64(depth))
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, job queue.Job) {
	ctx = tracing.ExtractTraceFromJob(ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("job_id", job.ID),
		attribute.String("tenant_id", job.TenantID),
		attribute.String("channel_id", job.ChannelID),
		attribute.Int("attempt", job.AttemptCount+1),
	)
	defer span.End()

	log := p.logger.WithContext(ctx).WithJob(job.ID).WithChannel(job.ChannelID).WithTenant(job.TenantID)

	decision, err := p.breaker.Allow(ctx, job.ChannelID)
	if err != nil {
		// Breaker state unavailable; fail open rather than stall delivery.
		log.WithError(err).Error("breaker check failed, proceeding")
		decision = breaker.Decision{Proceed: true}
	}
	if !decision.Proceed {
		p.shedCircuitOpen(ctx, job, log)
		return
	}

	payload, err := p.renderPayload(ctx, &job)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		p.recordAttempt(ctx, job, queue.OutcomeRenderError, "", 0, err.Error())
		metrics.RecordDelivery(queue.OutcomeRenderError, queue.PathWorker, 0)
		log.WithError(err).Error("render failed, dead-lettering")
		if dlErr := p.retries.DeadLetter(ctx, job, job.AttemptCount+1, "render_error", err.Error()); dlErr != nil {
			log.WithError(dlErr).Error("dead-letter failed")
		}
		return
	}

	ch, err := p.rules.GetChannel(ctx, job.ChannelID)
	if err != nil || !ch.Active {
		reason := "channel_inactive"
		if errors.Is(err, rule.ErrChannelNotFound) {
			reason = "channel_missing"
		}
		tracing.SetSpanError(ctx, err)
		p.recordAttempt(ctx, job, queue.OutcomeFailed, "", 0, reason)
		metrics.RecordDelivery(queue.OutcomeFailed, queue.PathWorker, 0)
		log.WithField("reason", reason).Error("channel unavailable, dead-lettering")
		if dlErr := p.retries.DeadLetter(ctx, job, job.AttemptCount+1, reason, reason); dlErr != nil {
			log.WithError(dlErr).Error("dead-letter failed")
		}
		return
	}

	res, sendErr := p.sender.Send(ctx, ch, payload)
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
	)

	if sendErr == nil {
		if err := p.store.Ack(ctx, job.ID); err != nil {
			// Claim likely expired mid-flight and the job was released;
			// the next delivery will be a duplicate post, which is why
			// receivers verify timestamps.
			log.WithError(err).Warn("ack failed after successful send")
			return
		}
		if err := p.breaker.RecordSuccess(ctx, job.ChannelID); err != nil {
			log.WithError(err).Error("breaker record success failed")
		}
		p.recordAttempt(ctx, job, queue.OutcomeSucceeded, ch.EndpointURL, res.Latency, "")
		metrics.RecordDelivery(queue.OutcomeSucceeded, queue.PathWorker, res.Latency)
		log.WithField("latency_ms", res.Latency.Milliseconds()).Info("delivered")
		return
	}

	var derr *dispatch.Error
	reason := "other"
	if errors.As(sendErr, &derr) {
		reason = derr.Reason
	}
	tracing.SetSpanError(ctx, sendErr)
	span.SetAttributes(attribute.String("failure_reason", reason))

	if err := p.breaker.RecordFailure(ctx, job.ChannelID); err != nil {
		log.WithError(err).Error("breaker record failure failed")
	}
	p.recordAttempt(ctx, job, queue.OutcomeFailed, ch.EndpointURL, res.Latency, sendErr.Error())
	metrics.RecordDelivery(queue.OutcomeFailed, queue.PathWorker, res.Latency)

	if err := p.retries.HandleFailure(ctx, job, job.AttemptCount+1, reason, sendErr.Error()); err != nil {
		log.WithError(err).Error("retry handling failed")
	}
}

// shedCircuitOpen parks the job until the circuit has a chance to probe. No
// attempt is consumed: the endpoint never saw a request.
func (p *Pool) shedCircuitOpen(ctx context.Context, job queue.Job, log *logging.LogEntry) {
	tracing.AddSpanEvent(ctx, "delivery.circuit_open")
	p.recordAttempt(ctx, job, queue.OutcomeCircuitOpen, "", 0, breaker.ErrOpen.Error())
	metrics.RecordDelivery(queue.OutcomeCircuitOpen, queue.PathWorker, 0)
	if err := p.store.Defer(ctx, job.ID, p.now().Add(p.cfg.ClaimVisibility)); err != nil {
		log.WithError(err).Error("defer failed")
		return
	}
	log.Debug("delivery shed, circuit open")
}

func (p *Pool) renderPayload(ctx context.Context, job *queue.Job) ([]byte, error) {
	if len(job.RenderedPayload) > 0 {
		return job.RenderedPayload, nil
	}
	payload, err := p.renderer.Render(job.RuleID, job.Event)
	if err != nil {
		return nil, err
	}
	// Persist so retries and the fallback path reuse the exact bytes.
	if err := p.store.SetRenderedPayload(ctx, job.ID, payload); err != nil {
		p.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Warn("persist rendered payload failed")
	}
	job.RenderedPayload = payload
	return payload, nil
}

func (p *Pool) recordAttempt(ctx context.Context, job queue.Job, outcome, endpoint string, latency time.Duration, errText string) {
	a := queue.Attempt{
		JobID:     job.ID,
		AttemptNo: job.AttemptCount + 1,
		Endpoint:  endpoint,
		Outcome:   outcome,
		Path:      queue.PathWorker,
		Latency:   latency,
		Error:     errText,
		Timestamp: p.now(),
	}
	if err := p.attempts.RecordAttempt(ctx, a); err != nil {
		p.logger.WithContext(ctx).WithJob(job.ID).WithError(err).Error(fmt.Sprintf("record attempt %d failed", a.AttemptNo))
	}
}
