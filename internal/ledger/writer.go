package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrWriterClosed is returned when a command is submitted after Stop.
	ErrWriterClosed = errors.New("ledger writer is closed")
	// ErrCommandPanicked is returned when a command panicked while running.
	ErrCommandPanicked = errors.New("ledger command panicked")
)

// Command is one whole ledger operation: remote calls, local patch and
// mirror save run inside it without interleaving with other commands.
type Command func(ctx context.Context)

type envelope struct {
	ctx  context.Context
	name string
	cmd  Command
	done chan struct{}
	ran  bool  // written before done is closed
	err  error // set when the command panicked
}

// Writer is a single-writer queue. Commands run one at a time in FIFO
// order on a dedicated goroutine, so reconciliation and mutations are
// serialized against each other.
type Writer struct {
	cmdChan   chan *envelope
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	log       zerolog.Logger
}

// NewWriter creates and starts a writer. bufferSize determines how many
// commands can wait before Do blocks on submission.
func NewWriter(bufferSize int, log zerolog.Logger) *Writer {
	w := &Writer{
		cmdChan:   make(chan *envelope, bufferSize),
		closeChan: make(chan struct{}),
		log:       log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeChan:
			w.drain()
			return
		case env := <-w.cmdChan:
			w.exec(env)
		}
	}
}

// drain runs commands that were accepted before Stop.
func (w *Writer) drain() {
	for {
		select {
		case env := <-w.cmdChan:
			w.exec(env)
		default:
			return
		}
	}
}

func (w *Writer) exec(env *envelope) {
	defer close(env.done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("command", env.name).Msg("Ledger command panicked")
			env.err = fmt.Errorf("%s: %w: %v", env.name, ErrCommandPanicked, r)
		}
	}()
	if env.ctx.Err() != nil {
		w.log.Debug().Str("command", env.name).Msg("Skipping cancelled ledger command")
		return
	}
	env.ran = true
	env.cmd(env.ctx)
}

// Do submits a command and waits until it has run. Once accepted, the
// command is always waited for, so its results are visible to the caller
// when Do returns nil. A command whose ctx ended while it was still queued
// is skipped and Do returns the context error; a running command observes
// cancellation only through its own ctx.
func (w *Writer) Do(ctx context.Context, name string, cmd Command) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	env := &envelope{ctx: ctx, name: name, cmd: cmd, done: make(chan struct{})}
	select {
	case w.cmdChan <- env:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	<-env.done
	if !env.ran {
		return fmt.Errorf("skipped %s: %w", name, ctx.Err())
	}
	return env.err
}

// Stop rejects new commands, runs the ones already queued and waits for
// the worker to exit.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeChan)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
