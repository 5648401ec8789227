package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/quietfen/localchat/internal/models"
)

const (
	reasoningOpen  = "<think>"
	reasoningClose = "</think>"
)

// ReasoningFilter removes <think>…</think> spans from a fragment stream. A marker may be
// split across any number of fragments, so the filter holds back input that could still
// turn out to be part of a marker: a trailing partial open marker, or an entire open span
// whose close marker has not arrived yet. Flush releases whatever is still held once the
// stream ends; an unterminated span is treated as no span at all and comes back verbatim.
type ReasoningFilter struct {
	inSpan bool
	carry  string
}

// Feed consumes one raw fragment and returns the consumer-visible text it unlocks, which
// may be empty. Concatenating every Feed result plus the final Flush yields the input with
// all well-formed reasoning spans removed.
func (f *ReasoningFilter) Feed(fragment string) string {
	f.carry += fragment

	var out strings.Builder
	for {
		if f.inSpan {
			idx := strings.Index(f.carry, reasoningClose)
			if idx < 0 {
				// Hold the whole span until the close marker shows up.
				return out.String()
			}
			f.carry = f.carry[idx+len(reasoningClose):]
			f.inSpan = false
			continue
		}

		idx := strings.Index(f.carry, reasoningOpen)
		if idx >= 0 {
			out.WriteString(f.carry[:idx])
			f.carry = f.carry[idx:]
			f.inSpan = true
			continue
		}

		hold := partialOpenLen(f.carry)
		out.WriteString(f.carry[:len(f.carry)-hold])
		f.carry = f.carry[len(f.carry)-hold:]
		return out.String()
	}
}

// Flush returns any held-back text and resets the filter. Called once at end of stream.
func (f *ReasoningFilter) Flush() string {
	out := f.carry
	f.carry = ""
	f.inSpan = false
	return out
}

// partialOpenLen reports the length of the longest suffix of s that is a proper prefix of
// the open marker.
func partialOpenLen(s string) int {
	max := len(reasoningOpen) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, reasoningOpen[:n]) {
			return n
		}
	}
	return 0
}

// StripReasoning applies the reasoning filter to a complete response, for the
// non-streaming path.
func StripReasoning(s string) string {
	var f ReasoningFilter
	return f.Feed(s) + f.Flush()
}

// RelayOptions tunes a single relay run.
type RelayOptions struct {
	// FirstByteTimeout bounds the wait for the backend's first fragment. Zero disables it.
	FirstByteTimeout time.Duration
}

// Relay consumes the backend fragment stream and yields filtered, ordered stream chunks
// for exactly one consumer. The sequence is zero or more content chunks terminated by a
// single done or error chunk. Backend emission order is preserved, and the concatenation
// of all content chunks equals the backend output with reasoning spans removed. Cancelling
// ctx stops the backend stream promptly.
func Relay(ctx context.Context, backend iter.Seq2[string, error], opts RelayOptions) iter.Seq[models.StreamChunk] {
	return func(yield func(models.StreamChunk) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type piece struct {
			text string
			err  error
		}
		pieces := make(chan piece)
		go func() {
			defer close(pieces)
			for text, err := range backend {
				select {
				case pieces <- piece{text: text, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		var timeout <-chan time.Time
		if opts.FirstByteTimeout > 0 {
			timeout = time.After(opts.FirstByteTimeout)
		}

		var filter ReasoningFilter
		for {
			select {
			case p, ok := <-pieces:
				if !ok {
					// A backend that unwinds cleanly on cancellation must still end the
					// turn in error so nothing partial is persisted.
					if err := ctx.Err(); err != nil {
						yield(models.ErrorChunk(causeOf(err)))
						return
					}
					if tail := filter.Flush(); tail != "" {
						if !yield(models.ContentChunk(tail)) {
							return
						}
					}
					yield(models.DoneChunk())
					return
				}
				if p.err != nil {
					yield(models.ErrorChunk(p.err.Error()))
					return
				}
				timeout = nil
				if visible := filter.Feed(p.text); visible != "" {
					if !yield(models.ContentChunk(visible)) {
						return
					}
				}
			case <-timeout:
				yield(models.ErrorChunk("timed out waiting for the first response fragment"))
				return
			case <-ctx.Done():
				yield(models.ErrorChunk(causeOf(ctx.Err())))
				return
			}
		}
	}
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "turn timed out"
	case errors.Is(err, context.Canceled):
		return "turn canceled"
	case err == nil:
		return "stream closed"
	default:
		return err.Error()
	}
}
