package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/logging"
)

const (
	defaultLease        = 5 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// PumpOptions tunes a Pump.
type PumpOptions struct {
	// Lease is how long a received message stays invisible to other workers.
	Lease time.Duration
	// PollInterval is the pause between empty receives.
	PollInterval time.Duration
	Logger       *slog.Logger
	// OnPoison is called for each body that cannot be decoded.
	OnPoison func(msg *Message, err error)
}

// Delivery is a decoded envelope together with the lease that carries it.
type Delivery struct {
	Envelope *continuation.Envelope
	Message  *Message
}

// Pump moves continuation envelopes on and off a Queue.
type Pump struct {
	queue        Queue
	codec        *Codec
	lease        time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	onPoison     func(*Message, error)
	now          func() time.Time
}

// NewPump wraps q. A nil codec means plain JSON bodies.
func NewPump(q Queue, codec *Codec, opts PumpOptions) *Pump {
	if codec == nil {
		codec = NewCodec("")
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.With("pump")
	}
	return &Pump{
		queue:        q,
		codec:        codec,
		lease:        opts.Lease,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		onPoison:     opts.OnPoison,
		now:          time.Now,
	}
}

// Lease returns the lease applied to received messages.
func (p *Pump) Lease() time.Duration {
	return p.lease
}

// Publish durably enqueues env, visible after delay.
func (p *Pump) Publish(ctx context.Context, env *continuation.Envelope, delay time.Duration) error {
	body, err := p.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := p.queue.Publish(ctx, body, delay); err != nil {
		return fmt.Errorf("failed to publish step %d of chain %s: %w", env.StepCount, env.ChainID, err)
	}
	return nil
}

// GetMessage waits up to timeout for the next deliverable envelope and
// returns nil when none arrives. Undecodable bodies are removed, and
// envelopes whose NotBefore has not passed are put back for the remaining
// delay.
func (p *Pump) GetMessage(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := p.now().Add(timeout)

	for {
		msg, err := p.queue.Receive(ctx, p.lease)
		if err != nil {
			return nil, err
		}

		if msg != nil {
			d, err := p.deliver(ctx, msg)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
			continue
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return nil, nil
		}
		wait := p.pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Pump) deliver(ctx context.Context, msg *Message) (*Delivery, error) {
	env, err := p.codec.Decode(msg.Body)
	if err != nil {
		p.logger.Error("poison_message", "message_id", msg.ID, "error", err)
		if p.onPoison != nil {
			p.onPoison(msg, err)
		}
		if cerr := p.queue.Complete(ctx, msg); cerr != nil && !errors.Is(cerr, ErrLeaseLost) {
			return nil, cerr
		}
		return nil, nil
	}

	if wait := env.NotBefore.Sub(p.now()); !env.NotBefore.IsZero() && wait > 0 {
		p.logger.Debug("message_not_due", "chain_id", env.ChainID, "step", env.StepCount, "wait", wait)
		return nil, p.requeue(ctx, msg, wait)
	}

	return &Delivery{Envelope: env, Message: msg}, nil
}

// requeue puts a message that is not due yet back as a fresh copy, so waiting
// out a long NotBefore does not use up its delivery count. If the copy
// cannot be published the original is abandoned instead.
func (p *Pump) requeue(ctx context.Context, msg *Message, wait time.Duration) error {
	if err := p.queue.Publish(ctx, msg.Body, wait); err != nil {
		p.logger.Warn("requeue_publish_failed", "message_id", msg.ID, "error", err)
		if aerr := p.queue.Abandon(ctx, msg, wait); aerr != nil && !errors.Is(aerr, ErrLeaseLost) {
			return aerr
		}
		return nil
	}
	if err := p.queue.Complete(ctx, msg); err != nil && !errors.Is(err, ErrLeaseLost) {
		return err
	}
	return nil
}

// Complete removes a processed delivery.
func (p *Pump) Complete(ctx context.Context, d *Delivery) error {
	return p.queue.Complete(ctx, d.Message)
}

// Abandon makes a delivery visible again after delay.
func (p *Pump) Abandon(ctx context.Context, d *Delivery, delay time.Duration) error {
	return p.queue.Abandon(ctx, d.Message, delay)
}

// Extend renews the lease on a delivery that is still being processed.
func (p *Pump) Extend(ctx context.Context, d *Delivery) error {
	return p.queue.Extend(ctx, d.Message, p.lease)
}
