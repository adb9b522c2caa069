package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/smart-terminal/backend/internal/session"
)

const (
	DefaultChunkSize    = 4096
	DefaultMaxInputSize = 64 * 1024
	DefaultMaxPending   = 1 << 20
	defaultDrainTimeout = time.Second
	errorSendTimeout    = time.Second
)

// BridgeOptions tunes a Bridge. Zero values select the defaults.
type BridgeOptions struct {
	ChunkSize    int           // max bytes per output read
	MaxInputSize int           // max bytes per input message
	MaxPending   int           // max input bytes queued behind a blocked PTY write
	DrainTimeout time.Duration // how long to wait for the output pump and input writer to stop
}

func (o BridgeOptions) withDefaults() BridgeOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxInputSize <= 0 {
		o.MaxInputSize = DefaultMaxInputSize
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.MaxPending < o.MaxInputSize {
		o.MaxPending = o.MaxInputSize
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	return o
}

// Bridge relays one session's terminal output to a transport and the
// transport's input and control messages back into the session.
//
// Receiving never waits on the PTY: input and resize messages are queued
// and applied in arrival order by a separate writer, so a shell that stops
// reading its input cannot keep close or disconnect from being noticed.
//
// Teardown happens exactly once and in a fixed order: the output pump is
// cancelled and its read withdrawn from the poller, then the registry
// closes the session (which also wakes a writer blocked on the PTY), then
// the transport is closed.
type Bridge struct {
	reg  *session.Registry
	sess *session.Session
	t    Transport
	opts BridgeOptions

	input      *inputQueue
	stopWriter chan struct{}
	writerDone chan struct{}

	cancelled    atomic.Bool
	pumpDone     chan struct{}
	teardownOnce sync.Once
}

func NewBridge(reg *session.Registry, sess *session.Session, t Transport, opts BridgeOptions) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		reg:        reg,
		sess:       sess,
		t:          t,
		opts:       opts,
		input:      newInputQueue(opts.MaxPending),
		stopWriter: make(chan struct{}),
		writerDone: make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
}

// Run relays until the process exits, the client disconnects or sends
// close, a protocol violation occurs, or ctx is cancelled. It returns only
// after teardown has completed. Process exit and transport failures are
// normal endings and return nil; a protocol violation is returned as a
// *ProtocolError.
func (b *Bridge) Run(ctx context.Context) error {
	id := b.sess.ID

	if err := b.sess.Attach(); err != nil {
		log.Printf("[bridge] %s: attach: %v", id, err)
		close(b.pumpDone)
		close(b.writerDone)
		b.teardown()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.pump(ctx)
	go b.writeInput()

	inbound := make(chan error, 1)
	go func() { inbound <- b.serveInbound(ctx) }()

	var result error
	select {
	case <-b.pumpDone:
	case err := <-inbound:
		var perr *ProtocolError
		if errors.As(err, &perr) {
			log.Printf("[bridge] %s: %v, terminating session", id, perr)
			b.reportError(perr.Reason)
			result = perr
		}
	case <-b.sess.Done():
		// Let the pump forward what the shell wrote before it exited.
		select {
		case <-b.pumpDone:
		case <-time.After(b.opts.DrainTimeout):
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	b.teardown()
	cancel()
	return result
}

// pump forwards terminal output. The next read is issued only after the
// previous chunk has been handed to the transport.
func (b *Bridge) pump(ctx context.Context) {
	defer close(b.pumpDone)

	id := b.sess.ID
	buf := make([]byte, b.opts.ChunkSize)
	var dec session.Decoder

	for !b.cancelled.Load() {
		n, err := b.sess.Read(buf)
		if b.cancelled.Load() {
			return
		}
		if n > 0 {
			if text := dec.Decode(buf[:n]); text != "" {
				if serr := b.t.Send(ctx, outputMessage(text)); serr != nil {
					log.Printf("[bridge] %s: %v", id, serr)
					return
				}
			}
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			if tail := dec.Flush(); tail != "" {
				_ = b.t.Send(ctx, outputMessage(tail))
			}
			log.Printf("[bridge] %s: terminal output closed", id)
		case errors.Is(err, session.ErrStale):
		default:
			log.Printf("[bridge] %s: read: %v", id, err)
		}
		return
	}
}

// serveInbound queues client messages for the writer until the client
// closes, the transport fails, or a protocol violation occurs. Input that
// would grow the queue past MaxPending is a protocol violation.
func (b *Bridge) serveInbound(ctx context.Context) error {
	id := b.sess.ID
	for {
		raw, err := b.t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !b.cancelled.Load() {
				log.Printf("[bridge] %s: %v", id, err)
			}
			return err
		}

		msg, err := ParseInbound(raw, b.opts.MaxInputSize)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case InputMessage:
			if !b.input.push(inputOp{data: []byte(m.Data)}) {
				return newProtocolError(raw, "input backlog exceeds %d bytes", b.opts.MaxPending)
			}
		case ResizeMessage:
			if !b.input.push(inputOp{resize: &m}) {
				return newProtocolError(raw, "input backlog exceeds %d bytes", b.opts.MaxPending)
			}
		case CloseMessage:
			log.Printf("[bridge] %s: client requested close", id)
			return nil
		}
	}
}

// writeInput applies queued input and resizes in order. It stops when told
// to, or once the session no longer accepts input.
func (b *Bridge) writeInput() {
	defer close(b.writerDone)

	id := b.sess.ID
	for {
		op, ok := b.input.pop()
		if !ok {
			select {
			case <-b.input.ready:
				continue
			case <-b.stopWriter:
				return
			}
		}

		var err error
		if op.resize != nil {
			err = b.sess.Resize(op.resize.Cols, op.resize.Rows)
		} else {
			_, err = b.sess.Write(op.data)
		}
		if errors.Is(err, session.ErrStale) || b.cancelled.Load() {
			return
		}
		if err != nil {
			log.Printf("[bridge] %s: %v", id, err)
		}
	}
}

// reportError tells the client why its session is ending. Best effort.
func (b *Bridge) reportError(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), errorSendTimeout)
	defer cancel()
	_ = b.t.Send(ctx, errorMessage(text))
}

func (b *Bridge) teardown() {
	b.teardownOnce.Do(func() {
		id := b.sess.ID

		b.cancelled.Store(true)
		b.sess.StopReading()
		select {
		case <-b.pumpDone:
		case <-time.After(b.opts.DrainTimeout):
			log.Printf("[bridge] %s: output pump still busy after %v", id, b.opts.DrainTimeout)
		}
		b.sess.Detach()

		close(b.stopWriter)
		b.reg.Close(id)
		select {
		case <-b.writerDone:
		case <-time.After(b.opts.DrainTimeout):
			log.Printf("[bridge] %s: input writer still busy after %v", id, b.opts.DrainTimeout)
		}

		if err := b.t.Close(); err != nil {
			log.Printf("[bridge] %s: %v", id, err)
		}
	})
}

// resizeCost is what a queued resize counts against the backlog limit.
const resizeCost = 16

type inputOp struct {
	data   []byte
	resize *ResizeMessage
}

func (op inputOp) cost() int {
	if op.resize != nil {
		return resizeCost
	}
	return len(op.data)
}

// inputQueue is a byte-bounded FIFO between the receive loop and the PTY
// writer.
type inputQueue struct {
	mu      sync.Mutex
	ops     *queue.Queue
	pending int
	limit   int

	ready chan struct{}
}

func newInputQueue(limit int) *inputQueue {
	return &inputQueue{ops: queue.New(), limit: limit, ready: make(chan struct{}, 1)}
}

// push appends op and reports false, leaving the queue unchanged, when it
// would exceed the limit.
func (q *inputQueue) push(op inputOp) bool {
	q.mu.Lock()
	if q.pending+op.cost() > q.limit {
		q.mu.Unlock()
		return false
	}
	q.ops.Add(op)
	q.pending += op.cost()
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *inputQueue) pop() (inputOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops.Length() == 0 {
		return inputOp{}, false
	}
	op := q.ops.Remove().(inputOp)
	q.pending -= op.cost()
	return op, true
}
