// Package translate turns the backend's reply stream into plain text fragments.
package translate

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/lumia1998/AnuNeko/internal/metrics"
)

// CodeChoiceShown is the signal code for an unconfirmed previous reply.
const CodeChoiceShown = "chat_choice_shown"

// Fixed texts surfaced to callers in place of a reply.
const (
	WarningText = "⚠️ The previous reply branch was never confirmed. Please retry or start a new conversation."
	FailureText = "Request failed, please try again later."
)

var (
	// ErrUnresolvedBranch marks the warning fragment.
	ErrUnresolvedBranch = errors.New("translate: unresolved reply branch")
	// ErrStreamFailed marks the failure fragment.
	ErrStreamFailed = errors.New("translate: reply stream failed")
)

const maxLineSize = 1 << 20

// Confirmer keeps a reply alternative on the backend.
type Confirmer interface {
	ConfirmBranch(ctx context.Context, msgID string, idx int) bool
}

// Config configures a Translator.
type Config struct {
	Confirmer      Confirmer // optional
	ConfirmTimeout time.Duration
	Logger         *log.Logger
}

// Translator parses reply streams. It holds no per-stream state and is safe
// for concurrent use.
type Translator struct {
	confirmer      Confirmer
	confirmTimeout time.Duration
	logger         *log.Logger
}

// Fragment is one piece of output. Err is nil for reply text and set to
// ErrUnresolvedBranch or ErrStreamFailed for the fixed texts.
type Fragment struct {
	Text string
	Err  error
}

// Reply is the aggregated form of a stream.
type Reply struct {
	Text string
	Err  error
}

// New returns a Translator.
func New(cfg Config) *Translator {
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Translator{confirmer: cfg.Confirmer, confirmTimeout: timeout, logger: logger}
}

// Stream reads body line by line and emits fragments in arrival order. The
// channel is unbuffered and closes when the stream is finished; body is
// always closed. Cancelling ctx aborts the read and ends the channel without
// a failure fragment.
func (t *Translator) Stream(ctx context.Context, body io.ReadCloser) <-chan Fragment {
	out := make(chan Fragment)
	go t.run(ctx, body, out)
	return out
}

// Collect drains Stream into a single reply. A warning or failure replaces
// any text gathered before it.
func (t *Translator) Collect(ctx context.Context, body io.ReadCloser) Reply {
	var b strings.Builder
	var outcome error
	for f := range t.Stream(ctx, body) {
		if f.Err != nil {
			b.Reset()
			outcome = f.Err
		}
		b.WriteString(f.Text)
	}
	if outcome == nil && ctx.Err() != nil {
		outcome = ctx.Err()
	}
	return Reply{Text: b.String(), Err: outcome}
}

func (t *Translator) run(ctx context.Context, body io.ReadCloser, out chan<- Fragment) {
	defer close(out)
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	send := func(f Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var msgID string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		frame := DecodeLine(scanner.Text())
		if frame.MsgID != "" {
			msgID = frame.MsgID
		}

		var texts []string
		switch frame.Kind {
		case FrameSignal:
			if frame.Code != CodeChoiceShown {
				continue
			}
			if send(Fragment{Text: WarningText, Err: ErrUnresolvedBranch}) {
				metrics.RecordStreamEnd("unresolved_branch")
			} else {
				metrics.RecordStreamEnd("cancelled")
			}
			return
		case FrameBranchSet:
			texts = frame.Primary()
		case FrameFragment:
			texts = []string{frame.Text}
		default:
			continue
		}

		for _, text := range texts {
			if text == "" {
				continue
			}
			if !send(Fragment{Text: text}) {
				t.cancelled(ctx, msgID)
				return
			}
			metrics.RecordFragment()
		}
	}

	if ctx.Err() != nil {
		t.cancelled(ctx, msgID)
		return
	}
	if err := scanner.Err(); err != nil {
		t.logger.Printf("reply stream read failed: %v", err)
		send(Fragment{Text: FailureText, Err: ErrStreamFailed})
		metrics.RecordStreamEnd("failed")
		return
	}
	if msgID != "" {
		t.confirm(ctx, msgID)
	}
	metrics.RecordStreamEnd("complete")
}

// confirm keeps branch 0 of msgID, bounded by the confirm timeout.
func (t *Translator) confirm(ctx context.Context, msgID string) {
	if t.confirmer == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.confirmTimeout)
	defer cancel()
	if !t.confirmer.ConfirmBranch(cctx, msgID, 0) {
		t.logger.Printf("confirm branch msg=%s failed; next turn may be refused", msgID)
	}
}

func (t *Translator) cancelled(ctx context.Context, msgID string) {
	metrics.RecordStreamEnd("cancelled")
	if msgID == "" {
		return
	}
	go t.confirm(ctx, msgID)
}
