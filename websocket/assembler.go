package websocket

import "sync"

// oneShotEvent is a single-fire event: set() is idempotent-safe to call
// once, wait() returns a channel that's readable once set() has run, and
// reset() swaps in a fresh channel for the next cycle. Replacing the
// channel rather than draining it means a goroutine that already
// observed the old channel close is never affected by reset — only new
// waiters see the new, unset channel.
type oneShotEvent struct {
	ch chan struct{}
}

func newOneShotEvent() *oneShotEvent { return &oneShotEvent{ch: make(chan struct{})} }

func (e *oneShotEvent) set()               { close(e.ch) }
func (e *oneShotEvent) wait() <-chan struct{} { return e.ch }
func (e *oneShotEvent) reset()             { e.ch = make(chan struct{}) }
func (e *oneShotEvent) isSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Assembler defragments a single producer's frames into complete
// messages for a single consumer (spec.md §4.F). It is the subtle heart
// of the library: messageComplete/messageFetched form a two-phase
// rendezvous so that at most one message is ever buffered beyond what
// the consumer currently holds, which is where backpressure on the
// network reader comes from (§9 "The two-event rendezvous").
//
// Concurrency contract: exactly one producer calls Put, exactly one
// consumer calls Get or Iter. Concurrent consumers return
// ErrConcurrentConsumers; a concurrent Put returns ErrConcurrentProducer.
type Assembler struct {
	mu sync.Mutex

	messageComplete *oneShotEvent
	messageFetched  *oneShotEvent

	getInProgress bool
	putInProgress bool

	mode    MessageType
	decoder *incrementalUTF8 // non-nil while assembling a TEXT message

	chunks      [][]byte
	chunksQueue chan []byte // non-nil once a consumer has switched to streaming

	closed bool
}

// NewAssembler returns a ready-to-use Assembler in buffering mode.
func NewAssembler() *Assembler {
	return &Assembler{
		messageComplete: newOneShotEvent(),
		messageFetched:  newOneShotEvent(),
	}
}

// Put appends frame to the message currently being assembled. TEXT or
// BINARY (a non-CONT opcode) starts a new message and installs a fresh
// incremental UTF-8 decoder for TEXT; CONT continues it. A CONT with no
// message in progress, or a new data opcode arriving before the previous
// message's Fin, is ErrUnexpectedContinuation — the coordinator treats
// that as a protocol error (close code 1002). Control opcodes must never
// reach Put; the coordinator intercepts them first (spec.md §4.F).
//
// On the frame with Fin=true, Put publishes the message — setting
// messageComplete — and then blocks until the consumer's Get/Iter call
// sets messageFetched, which is the backpressure point: the reader
// goroutine cannot pull the next frame off the wire until the previous
// message has been handed to the application.
func (a *Assembler) Put(frame *Frame) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrEOF
	}
	if a.putInProgress {
		a.mu.Unlock()
		return ErrConcurrentProducer
	}

	switch frame.Opcode {
	case opcodeText:
		if a.mode != 0 {
			a.mu.Unlock()
			return ErrUnexpectedContinuation
		}
		a.mode = TextMessage
		a.decoder = &incrementalUTF8{}
	case opcodeBinary:
		if a.mode != 0 {
			a.mu.Unlock()
			return ErrUnexpectedContinuation
		}
		a.mode = BinaryMessage
	case opcodeContinuation:
		if a.mode == 0 {
			a.mu.Unlock()
			return ErrUnexpectedContinuation
		}
	default:
		a.mu.Unlock()
		return nil // control opcodes never reach Put
	}

	if a.mode == TextMessage {
		if err := a.decoder.push(frame.Payload, frame.Fin); err != nil {
			a.mu.Unlock()
			return err
		}
	}

	chunk := frame.Payload
	if a.chunksQueue != nil {
		queue := a.chunksQueue
		a.mu.Unlock()
		queue <- chunk
		a.mu.Lock()
	} else {
		a.chunks = append(a.chunks, chunk)
	}

	if !frame.Fin {
		a.mu.Unlock()
		return nil
	}

	a.messageComplete.set()
	if a.chunksQueue != nil {
		a.chunksQueue <- nil // sentinel: end of stream for this message
	}
	a.putInProgress = true
	fetched := a.messageFetched
	a.mu.Unlock()

	<-fetched.wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.putInProgress = false
	a.messageFetched.reset()
	a.mode = 0
	a.decoder = nil
	if a.closed {
		return ErrEOF
	}
	return nil
}

// Get returns the next complete message, joining its chunks in order. It
// blocks until the producer's Put marks a message complete or the
// Assembler is closed.
func (a *Assembler) Get() (MessageType, []byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, nil, ErrEOF
	}
	if a.getInProgress {
		a.mu.Unlock()
		return 0, nil, ErrConcurrentConsumers
	}
	a.getInProgress = true
	complete := a.messageComplete
	a.mu.Unlock()

	<-complete.wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.getInProgress = false

	if a.closed {
		return 0, nil, ErrEOF
	}

	mode := a.mode
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	message := make([]byte, 0, total)
	for _, c := range a.chunks {
		message = append(message, c...)
	}
	a.chunks = nil

	a.messageComplete.reset()
	a.messageFetched.set()

	return mode, message, nil
}

// GetTimeout is Get with a timeout: it returns ok=false without
// disturbing the Assembler if no message completes before the timeout
// channel becomes readable
// (spec.md §5 "Cancellation semantics": recv(timeout) returns a sentinel
// on timeout).
func (a *Assembler) GetTimeout(timeout <-chan struct{}) (mt MessageType, data []byte, ok bool, err error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, nil, false, ErrEOF
	}
	if a.getInProgress {
		a.mu.Unlock()
		return 0, nil, false, ErrConcurrentConsumers
	}
	a.getInProgress = true
	complete := a.messageComplete
	a.mu.Unlock()

	select {
	case <-complete.wait():
	case <-timeout:
		a.mu.Lock()
		a.getInProgress = false
		a.mu.Unlock()
		return 0, nil, false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.getInProgress = false
	if a.closed {
		return 0, nil, false, ErrEOF
	}

	mode := a.mode
	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	message := make([]byte, 0, total)
	for _, c := range a.chunks {
		message = append(message, c...)
	}
	a.chunks = nil

	a.messageComplete.reset()
	a.messageFetched.set()

	return mode, message, true, nil
}

// Iter switches to streaming mode and returns the message's chunks one
// at a time via the returned channel, followed by a close of that
// channel at end of message. Calling Iter while a message is still being
// received atomically transfers the chunks buffered so far and
// redirects the producer's subsequent chunks into a bounded rendezvous
// channel (spec.md §4.F "Streaming mode"). After the last chunk, Iter
// performs the same messageFetched handshake Get does and reverts to
// buffering mode.
func (a *Assembler) Iter() (<-chan []byte, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrEOF
	}
	if a.getInProgress {
		a.mu.Unlock()
		return nil, ErrConcurrentConsumers
	}

	already := a.chunks
	a.chunks = nil
	queue := make(chan []byte, 1)
	a.chunksQueue = queue

	alreadyComplete := a.messageComplete.isSet()
	if alreadyComplete {
		queue <- nil
	}
	a.getInProgress = true
	a.mu.Unlock()

	out := make(chan []byte)
	go func() {
		for _, c := range already {
			out <- c
		}
		for {
			chunk := <-queue
			if chunk == nil {
				break
			}
			out <- chunk
		}
		close(out)

		a.mu.Lock()
		a.getInProgress = false
		a.messageComplete.reset()
		closed := a.closed
		a.messageFetched.set()
		a.chunksQueue = nil
		a.mu.Unlock()
		_ = closed
	}()

	return out, nil
}

// Close ends the stream of frames. It is idempotent and safe to call
// concurrently with Put or Get/Iter: it wakes any blocked consumer (via
// messageComplete) and any blocked producer (via messageFetched); after
// Close, all three operations fail with ErrEOF (spec.md §4.F "End of
// stream").
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true

	if a.getInProgress && !a.messageComplete.isSet() {
		a.messageComplete.set()
		if a.chunksQueue != nil {
			select {
			case a.chunksQueue <- nil:
			default:
			}
		}
	}
	if a.putInProgress && !a.messageFetched.isSet() {
		a.messageFetched.set()
	}
}
