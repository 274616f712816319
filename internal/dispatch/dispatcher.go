package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/maxphoton/PiggyBank/internal/diff"
)

// Sender delivers one rendered message to one recipient.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Options tune fan-out behaviour.
type Options struct {
	// SendInterval paces consecutive sends to stay under Bot API limits.
	SendInterval time.Duration
	// SendTimeout bounds a single recipient so one stuck send cannot
	// stall the whole batch.
	SendTimeout time.Duration
}

// Result aggregates delivery counts for a batch.
type Result struct {
	Sent   int
	Failed int
}

func (r *Result) add(other Result) {
	r.Sent += other.Sent
	r.Failed += other.Failed
}

// SendFunc performs one delivery to one recipient.
type SendFunc func(ctx context.Context, recipient int64) error

// Dispatcher fans notifications out to their audiences. Per-recipient
// failures are counted and logged, never escalated.
type Dispatcher struct {
	sender  Sender
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New constructs a Dispatcher.
func New(sender Sender, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.SendInterval <= 0 {
		opts.SendInterval = 50 * time.Millisecond
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		sender:  sender,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.SendInterval), 1),
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers every notification to every member of its audience
// and returns aggregate counts. Cancelling ctx stops after the in-flight
// recipient; the counts so far are still returned.
func (d *Dispatcher) Dispatch(ctx context.Context, notifications []diff.Notification) Result {
	total := Result{}

	for _, note := range notifications {
		d.logger.Info().Str("kind", string(note.Kind)).Str("ticker", note.Ticker).
			Str("audience", string(note.Audience)).Int("recipients", len(note.Recipients)).
			Msg("dispatching notification")

		result := d.Deliver(ctx, note.Recipients, note.Message)
		total.add(result)

		if ctx.Err() != nil {
			break
		}
	}

	d.logger.Info().Int("sent", total.Sent).Int("failed", total.Failed).Msg("dispatch finished")
	return total
}

// Deliver sends one rendered text message to each recipient.
func (d *Dispatcher) Deliver(ctx context.Context, recipients []int64, message string) Result {
	return d.DeliverFunc(ctx, recipients, func(ctx context.Context, recipient int64) error {
		return d.sender.SendMessage(ctx, recipient, message)
	}, nil)
}

// DeliverFunc paces an arbitrary send across recipients, isolating and
// counting per-recipient failures. onResult, when non-nil, observes every
// attempt.
func (d *Dispatcher) DeliverFunc(ctx context.Context, recipients []int64, send SendFunc, onResult func(recipient int64, err error)) Result {
	result := Result{}

	for _, recipient := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			d.logger.Warn().Int("sent", result.Sent).Int("failed", result.Failed).
				Msg("delivery cancelled, draining no further recipients")
			return result
		}

		err := d.sendOne(ctx, recipient, send)
		if onResult != nil {
			onResult(recipient, err)
		}
		if err != nil {
			result.Failed++
			// 用户可能已屏蔽 bot，跳过即可
			d.logger.Warn().Err(err).Int64("recipient", recipient).Msg("delivery failed")
			continue
		}
		result.Sent++
	}

	return result
}

func (d *Dispatcher) sendOne(ctx context.Context, recipient int64, send SendFunc) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return send(sendCtx, recipient)
}
