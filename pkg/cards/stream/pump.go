package stream

import (
	"context"
	"iter"
	"time"

	"github.com/go-go-golems/cardstream/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultFlushTimeout = 5 * time.Second

// FlushFunc delivers one update to the rendering channel.
type FlushFunc func(ctx context.Context, u Update) error

type Options struct {
	Threshold    int
	FlushTimeout time.Duration
	// CardID is only used for logging.
	CardID string
}

// Result is the terminal outcome of Pump.
type Result struct {
	Content string
	Status  Status
	Flushes int
	Err     error
}

// Pump drains src through a Buffer and flushes the resulting updates.
//
// A source error flushes one failed update with the partial content. A
// failed or timed out flush, or a cancelled ctx, moves the buffer to FAILED
// and nothing more is flushed; content already delivered is left as is.
func Pump(ctx context.Context, src iter.Seq2[string, error], flush FlushFunc, opts Options) Result {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	buf := NewBuffer(opts.Threshold)
	res := Result{}
	logger := log.With().Str("component", "stream_pump").Str("card_id", opts.CardID).Logger()

	deliver := func(u Update) error {
		if err := flushWithTimeout(ctx, flush, u, opts.FlushTimeout); err != nil {
			return err
		}
		res.Flushes++
		metrics.StreamUpdates.WithLabelValues(u.Status.String()).Inc()
		return nil
	}
	abort := func(cause error) Result {
		u, _ := buf.Fail(cause)
		metrics.StreamUpdates.WithLabelValues("aborted").Inc()
		logger.Warn().Err(cause).Int("len", buf.Len()).Msg("stream aborted, no further flushes")
		res.Content, res.Status, res.Err = u.Content, u.Status, u.Err
		return res
	}

	if src == nil {
		src = func(func(string, error) bool) {}
	}
	for chunk, err := range src {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return abort(errors.Wrap(ctxErr, "gateway connection closed"))
		}
		if err != nil {
			u, _ := buf.Fail(err)
			logger.Error().Err(err).Int("len", buf.Len()).Msg("generation failed mid-stream")
			if ferr := deliver(u); ferr != nil {
				logger.Warn().Err(ferr).Msg("failed update could not be delivered")
			}
			res.Content, res.Status, res.Err = u.Content, u.Status, u.Err
			return res
		}
		updates, aerr := buf.Append(chunk)
		if aerr != nil {
			return abort(aerr)
		}
		for _, u := range updates {
			if ferr := deliver(u); ferr != nil {
				return abort(ferr)
			}
			logger.Debug().Int("len", buf.Len()).Msg("stream flushed")
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return abort(errors.Wrap(ctxErr, "gateway connection closed"))
	}

	u, _ := buf.Finish()
	if err := deliver(u); err != nil {
		// the buffer is already terminal; report the failure on the result
		logger.Warn().Err(err).Msg("final update could not be delivered")
		res.Content, res.Status, res.Err = u.Content, StatusFailed, err
		return res
	}
	res.Content, res.Status = u.Content, u.Status
	return res
}

func flushWithTimeout(ctx context.Context, flush FlushFunc, u Update, timeout time.Duration) error {
	if flush == nil {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- flush(fctx, u)
	}()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "flush")
		}
		return nil
	case <-fctx.Done():
		return errors.Wrap(fctx.Err(), "flush timed out")
	}
}
