package divergence

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/chatveil/internal/services/chat/objective"
)

// DefaultRetryDelay is the pause between feed reconnect attempts.
const DefaultRetryDelay = time.Second

// Update is one quest feed change for a player.
type Update struct {
	UserID        string
	AwaitingInput bool
	// Objective is the player's current objective detail; empty clears it.
	Objective string
}

// Stream yields updates until it fails or the feed closes.
type Stream interface {
	Recv() (Update, error)
}

// Subscriber opens a quest feed stream.
type Subscriber interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// Worker applies quest feed updates to a Set and an objective Board.
type Worker struct {
	subscriber Subscriber
	set        *Set
	board      *objective.Board
	retryDelay time.Duration
	logf       func(string, ...any)
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRetryDelay sets the reconnect delay.
func WithRetryDelay(delay time.Duration) WorkerOption {
	return func(w *Worker) {
		if delay > 0 {
			w.retryDelay = delay
		}
	}
}

// WithLogf overrides the worker logger.
func WithLogf(logf func(string, ...any)) WorkerOption {
	return func(w *Worker) {
		if logf != nil {
			w.logf = logf
		}
	}
}

// NewWorker builds a feed worker. board may be nil.
func NewWorker(subscriber Subscriber, set *Set, board *objective.Board, opts ...WorkerOption) *Worker {
	w := &Worker{
		subscriber: subscriber,
		set:        set,
		board:      board,
		retryDelay: DefaultRetryDelay,
		logf:       log.Printf,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes the feed until ctx ends, reconnecting after failures.
func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if w == nil || w.subscriber == nil || w.set == nil {
		return errors.New("divergence worker is not configured")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := w.subscriber.Subscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logf("chat: quest feed subscribe failed err=%v", err)
			}
			if !waitRetry(ctx, w.retryDelay) {
				return nil
			}
			continue
		}

		for {
			update, recvErr := stream.Recv()
			if recvErr != nil {
				if !errors.Is(recvErr, io.EOF) && ctx.Err() == nil {
					w.logf("chat: quest feed stream ended err=%v", recvErr)
				}
				break
			}
			w.Apply(update)
		}

		if !waitRetry(ctx, w.retryDelay) {
			return nil
		}
	}
}

// Apply records a single update.
func (w *Worker) Apply(update Update) {
	userID := strings.TrimSpace(update.UserID)
	if userID == "" {
		return
	}
	w.set.Set(userID, update.AwaitingInput)
	if w.board != nil {
		w.board.Set(userID, update.Objective)
	}
}

func waitRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
