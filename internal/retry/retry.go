// Package retry decides what happens to a delivery job after a failed
// attempt: schedule it for a delayed retry with exponential backoff, or move
// it to the dead-letter tier and emit the dead-letter envelope.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/queue"
)

// Publisher is the dead-letter envelope sink. Satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Controller applies the retry policy. It owns the backoff math and the
// only transitions out of in_flight besides Ack.
type Controller struct {
	store    queue.Store
	cfg      config.Retry
	logger   *logging.Logger
	producer Publisher // nil unless DLQ topic publishing is enabled
	dlqTopic string
	now      func() time.Time
}

func NewController(store queue.Store, cfg config.Retry, logger *logging.Logger) *Controller {
	return &Controller{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithDLQPublisher enables publishing dead-letter envelopes to a topic.
func (c *Controller) WithDLQPublisher(p Publisher, topic string) *Controller {
	c.producer = p
	c.dlqTopic = topic
	return c
}

// HandleFailure routes a failed in_flight job: retry if budget remains,
// dead-letter otherwise. attemptNo is the attempt that just failed, 1-based.
func (c *Controller) HandleFailure(ctx context.Context, job queue.Job, attemptNo int, reason, errText string) error {
	metrics.RecordRetry(reason)

	if attemptNo >= job.MaxAttempts {
		return c.DeadLetter(ctx, job, attemptNo, reason, errText)
	}

	delay := c.Delay(attemptNo)
	at := c.now().Add(delay)
	if err := c.store.ScheduleRetry(ctx, job.ID, at, errText); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", job.ID, err)
	}
	c.logger.Plain().WithJob(job.ID).WithChannel(job.ChannelID).WithFields(map[string]any{
		"attempt": attemptNo,
		"delay":   delay.String(),
		"reason":  reason,
	}).Info("delivery scheduled for retry")
	return nil
}

// DeadLetter moves a job to the dead-letter tier immediately. Besides
// exhausted budgets, callers use it for failures no retry can fix, like a
// payload that will not render.
func (c *Controller) DeadLetter(ctx context.Context, job queue.Job, attemptNo int, reason, errText string) error {
	if err := c.store.MoveToDeadLetter(ctx, job.ID, errText); err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	metrics.DLQTotal.Inc()
	c.logger.Plain().WithJob(job.ID).WithChannel(job.ChannelID).WithFields(map[string]any{
		"attempt": attemptNo,
		"reason":  reason,
	}).Warn("delivery moved to dead letter")

	if c.producer != nil {
		job.AttemptCount = attemptNo
		job.LastError = errText
		env := queue.NewDeadLetter(job, reason)
		b, _ := json.Marshal(env)
		if err := c.producer.Publish(c.dlqTopic, b); err != nil {
			// Envelope publishing is advisory; the job is already recorded
			// in the dead-letter tier.
			c.logger.Plain().WithJob(job.ID).WithError(err).Error("dead-letter publish failed")
		}
	}
	return nil
}

// Delay computes the backoff before the next attempt: base * 2^(attempt-1),
// capped, with +/- jitter bounded below so a delay never collapses to zero.
func (c *Controller) Delay(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	base := c.cfg.BaseDelay
	for i := 1; i < attemptNo; i++ {
		base *= 2
		if base >= c.cfg.MaxDelay {
			base = c.cfg.MaxDelay
			break
		}
	}
	j := 1 + (rand.Float64()*2-1)*c.cfg.JitterPercent
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

// RetryJob revives one dead-lettered job on operator request.
func (c *Controller) RetryJob(ctx context.Context, jobID string) error {
	if err := c.store.RetryJob(ctx, jobID); err != nil {
		return err
	}
	metrics.ManualRetriesTotal.Inc()
	c.logger.Plain().WithJob(jobID).Info("manual retry requested")
	return nil
}

// RetryByFilter revives all dead-lettered jobs matching the filter.
func (c *Controller) RetryByFilter(ctx context.Context, f queue.RetryFilter) (int, error) {
	n, err := c.store.RetryByFilter(ctx, f)
	if err != nil {
		return 0, err
	}
	metrics.ManualRetriesTotal.Add(float64(n))
	c.logger.Plain().WithField("count", n).Info("bulk manual retry")
	return n, nil
}
