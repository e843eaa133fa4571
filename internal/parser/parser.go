// Package parser is the IMAP client engine. A Parser owns the transport and a
// worker goroutine that writes queued commands in order, holds back literal
// data until the server's continuation request, frames incoming bytes into
// lines and routes each line to the response queue, the continuation gate or
// the error queue.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenilsonani/imap-engine/internal/framer"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/metrics"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// DefaultReadBufferSize is the transport read size.
const DefaultReadBufferSize = 4096

// closeGrace bounds how long Close waits for a blocked write.
var closeGrace = 5 * time.Second

// ErrClosed is returned by command methods once the parser has stopped.
var ErrClosed = errors.New("parser closed")

// Direction tells a trace hook which way bytes travelled.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "S"
	}
	return "C"
}

// Options tunes a Parser. The zero value is usable.
type Options struct {
	// TagPrefix starts every tag. Defaults to "A".
	TagPrefix string
	// MaxLineLength bounds one physical line, literals excluded.
	MaxLineLength int
	// MaxLiteralSize bounds one announced literal. Larger announcements
	// fail the connection.
	MaxLiteralSize int
	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int
	// LiteralPlus sends literals in the non-synchronizing {n+} form. It
	// can also be switched on later with SetLiteralPlus.
	LiteralPlus bool
	// Trace, when set, is called from the worker with every chunk written
	// or read. Arguments of sensitive commands are replaced.
	Trace func(dir Direction, data []byte)
}

// TagMismatchError reports a tagged line whose tag matches no outstanding
// command.
type TagMismatchError struct {
	Tag  string
	Line []byte
}

func (e *TagMismatchError) Error() string {
	return fmt.Sprintf("imap: response for unknown tag %q: %q", e.Tag, truncate(e.Line))
}

// ProtocolError reports a complete line that could not be classified, or a
// continuation request nothing was waiting for.
type ProtocolError struct {
	Info string
	Line []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imap: %s: %q", e.Info, truncate(e.Line))
}

func truncate(line []byte) []byte {
	const limit = 120
	if len(line) > limit {
		return append(bytes.Clone(line[:limit]), "..."...)
	}
	return line
}

// inflight is the command currently being written and its unsent segments.
type inflight struct {
	cmd    *protocol.Command
	segs   []protocol.Segment
	traced bool
}

// Parser is the engine façade. Command methods may be called from any
// goroutine; they queue and return the command's handle without waiting.
type Parser struct {
	logger *logging.Logger
	opts   Options
	conn   io.ReadWriteCloser

	cmdMu     sync.Mutex // orders tag issue with queue insertion
	tags      *protocol.TagGenerator
	commands  fifo[*protocol.Command]
	responses fifo[*protocol.Response]
	errs      fifo[error]

	literalPlus atomic.Bool
	closed      atomic.Bool
	stopping    atomic.Bool

	wake         chan struct{}
	ready        chan struct{}
	stop         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{}
	done         chan struct{}

	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	cause error

	// Owned by the worker goroutine.
	framer       *framer.Framer
	outstanding  map[protocol.Handle]struct{}
	sending      *inflight
	awaitingCont bool
	gateTag      protocol.Handle
	gateSince    time.Time
}

// New starts a parser on t. The parser owns t from now on and closes it when
// it stops.
func New(t io.ReadWriteCloser, opts Options, logger *logging.Logger) (*Parser, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	tags, err := protocol.NewTagGenerator(opts.TagPrefix)
	if err != nil {
		return nil, err
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if logger == nil {
		logger = logging.Default()
	}

	p := &Parser{
		logger:       logger.Engine(),
		opts:         opts,
		conn:         t,
		tags:         tags,
		wake:         make(chan struct{}, 1),
		ready:        make(chan struct{}, 1),
		stop:         make(chan struct{}),
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
		framer:       framer.New(opts.MaxLineLength, opts.MaxLiteralSize),
		outstanding:  make(map[protocol.Handle]struct{}),
	}
	p.literalPlus.Store(opts.LiteralPlus)

	metrics.RecordConnection()
	go p.run()
	return p, nil
}

// Ready fires after responses or errors were queued. Signals coalesce, so
// a receiver should drain with Next until it reports false.
func (p *Parser) Ready() <-chan struct{} {
	return p.ready
}

// Disconnected is closed once the worker has stopped. No response is queued
// after it is closed.
func (p *Parser) Disconnected() <-chan struct{} {
	return p.disconnected
}

// Next pops the oldest queued response.
func (p *Parser) Next() (*protocol.Response, bool) {
	return p.responses.pop()
}

// Drain pops every queued response.
func (p *Parser) Drain() []*protocol.Response {
	return p.responses.drain()
}

// Errors pops every queued protocol error: framing violations, malformed
// lines, tag mismatches and unexpected continuation requests.
func (p *Parser) Errors() []error {
	return p.errs.drain()
}

// Err returns the cause of the disconnect, nil while connected or when the
// parser was stopped with Close.
func (p *Parser) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.cause
}

// Closed reports whether the worker has stopped or is stopping.
func (p *Parser) Closed() bool {
	return p.closed.Load()
}

// SetLiteralPlus switches the non-synchronizing literal form for commands
// not yet on the wire.
func (p *Parser) SetLiteralPlus(on bool) {
	p.literalPlus.Store(on)
}

// LiteralPlus reports whether {n+} literals are in use.
func (p *Parser) LiteralPlus() bool {
	return p.literalPlus.Load()
}

// Unsent returns the handles of commands still waiting in the queue. After a
// disconnect these commands were never written.
func (p *Parser) Unsent() []protocol.Handle {
	p.commands.mu.Lock()
	defer p.commands.mu.Unlock()
	var handles []protocol.Handle
	for _, c := range p.commands.items {
		if !c.IsUntagged() {
			handles = append(handles, c.Tag())
		}
	}
	return handles
}

// Close stops the worker and waits for it to exit. A write in progress is
// finished first; the worker then closes the transport, which unblocks the
// reader. After closeGrace the transport is closed under a stalled write.
func (p *Parser) Close() error {
	p.closed.Store(true)
	p.requestStop()
	select {
	case <-p.done:
	case <-time.After(closeGrace):
		p.logger.Warn("write still blocked, closing transport")
		p.closeTransport()
		<-p.done
	}
	return p.closeTransport()
}

// Queue submits a command built by the caller and returns its handle.
func (p *Parser) Queue(cmd *protocol.Command) (protocol.Handle, error) {
	return p.queueCommand(cmd)
}

func (p *Parser) queueCommand(cmd *protocol.Command) (protocol.Handle, error) {
	if p.closed.Load() {
		return "", ErrClosed
	}

	p.cmdMu.Lock()
	var tag protocol.Handle
	if !cmd.IsUntagged() {
		tag = p.tags.Next()
		cmd = cmd.WithTag(tag)
	}
	p.commands.push(cmd)
	p.cmdMu.Unlock()

	metrics.RecordQueued(cmd.Verb())
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return tag, nil
}

func (p *Parser) requestStop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		close(p.stop)
	})
}

func (p *Parser) closeTransport() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *Parser) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// run is the worker loop. It is the only goroutine that writes to the
// transport or touches the framer, the outstanding set and the gate.
func (p *Parser) run() {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go p.readLoop(chunks, readErr)

	var cause error
	defer func() { p.shutdown(cause) }()

	for {
		if p.stopping.Load() {
			return
		}
		if err := p.transmit(); err != nil {
			cause = err
			return
		}

		select {
		case <-p.stop:
			return
		case <-p.wake:
		case data := <-chunks:
			if err := p.processIncoming(data); err != nil {
				cause = err
				return
			}
		case err := <-readErr:
			if p.stopping.Load() {
				return
			}
			if err := p.framer.Close(); err != nil {
				p.reportError(err, "truncated")
			}
			cause = err
			return
		}
	}
}

func (p *Parser) readLoop(chunks chan<- []byte, readErr chan<- error) {
	buf := make([]byte, p.opts.ReadBufferSize)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			select {
			case chunks <- bytes.Clone(buf[:n]):
			case <-p.done:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func (p *Parser) shutdown(cause error) {
	if p.stopping.Load() {
		// I/O errors after Close are a consequence of closing the transport.
		cause = nil
	}
	p.closed.Store(true)
	p.errMu.Lock()
	p.cause = cause
	p.errMu.Unlock()
	p.closeTransport()

	label := "closed"
	switch {
	case cause == nil:
		p.logger.Debug("parser stopped")
	case errors.Is(cause, io.EOF):
		label = "eof"
		p.logger.Info("server closed the connection")
	default:
		label = "error"
		p.logger.WithError(cause).Info("connection lost")
	}
	metrics.ReleaseConnection(label)

	close(p.disconnected)
	close(p.done)
	p.signalReady()
}

// transmit writes queued commands until the queue is empty or a segment
// needs the server's permission to continue.
func (p *Parser) transmit() error {
	for !p.stopping.Load() && !p.awaitingCont {
		if p.sending == nil {
			cmd, ok := p.commands.pop()
			if !ok {
				return nil
			}
			p.sending = &inflight{cmd: cmd, segs: cmd.Segments(p.literalPlus.Load())}
			if !cmd.IsUntagged() {
				p.outstanding[cmd.Tag()] = struct{}{}
			}
			p.logger.Debug("sending command", "tag", cmd.Tag(), "verb", cmd.Verb())
		}

		seg := p.sending.segs[0]
		p.sending.segs = p.sending.segs[1:]
		if err := p.write(p.sending, seg.Data); err != nil {
			return fmt.Errorf("write %s: %w", p.sending.cmd.Summary(), err)
		}
		if seg.AwaitContinuation {
			p.awaitingCont = true
			p.gateTag = p.sending.cmd.Tag()
			p.gateSince = time.Now()
		}
		if len(p.sending.segs) == 0 {
			metrics.RecordSent(p.sending.cmd.Verb(), true)
			p.sending = nil
		}
	}
	return nil
}

func (p *Parser) write(s *inflight, data []byte) error {
	if p.opts.Trace != nil {
		switch {
		case !s.cmd.IsSensitive():
			p.opts.Trace(Outgoing, data)
		case !s.traced:
			p.opts.Trace(Outgoing, []byte(s.cmd.Summary()+" <redacted>\r\n"))
		}
		s.traced = true
	}
	n, err := p.conn.Write(data)
	metrics.BytesWritten.Add(float64(n))
	return err
}

// processIncoming feeds data to the framer and dispatches every complete
// line. It returns an error only when the stream cannot be resynchronized.
func (p *Parser) processIncoming(data []byte) error {
	metrics.BytesRead.Add(float64(len(data)))
	if p.opts.Trace != nil {
		p.opts.Trace(Incoming, data)
	}
	p.framer.Feed(data)

	for !p.stopping.Load() {
		line, ok, err := p.framer.Next()
		if err != nil {
			p.reportError(err, "framing")
			var fe *framer.FramingError
			if errors.As(err, &fe) && fe.Fatal {
				return err
			}
			continue
		}
		if !ok {
			return nil
		}
		p.dispatch(line)
	}
	return nil
}

// dispatch routes one logical line.
func (p *Parser) dispatch(line framer.Line) {
	resp, err := protocol.Parse(line)
	if err != nil {
		p.reportError(&ProtocolError{Info: err.Error(), Line: line.Bytes()}, "malformed")
		return
	}

	switch resp.Kind {
	case protocol.KindContinuation:
		metrics.RecordResponse(resp.Kind.String(), "")
		if !p.awaitingCont {
			p.reportError(&ProtocolError{Info: "unexpected continuation request", Line: resp.Raw}, "unexpected_continuation")
			return
		}
		p.awaitingCont = false
		metrics.RecordContinuation(time.Since(p.gateSince).Seconds())

	case protocol.KindTagged:
		if _, ok := p.outstanding[resp.Tag]; !ok {
			p.reportError(&TagMismatchError{Tag: string(resp.Tag), Line: resp.Raw}, "tag_mismatch")
			return
		}
		delete(p.outstanding, resp.Tag)
		if p.awaitingCont && p.gateTag == resp.Tag {
			// The server answered instead of inviting the literal.
			p.awaitingCont = false
			if p.sending != nil && p.sending.cmd.Tag() == resp.Tag {
				p.logger.Warn("literal refused, command abandoned", "tag", resp.Tag, "status", resp.Status)
				metrics.RecordSent(p.sending.cmd.Verb(), false)
				p.sending = nil
			}
		}
		p.pushResponse(resp)

	default:
		p.pushResponse(resp)
	}
}

func (p *Parser) pushResponse(resp *protocol.Response) {
	metrics.RecordResponse(resp.Kind.String(), string(resp.Status))
	p.responses.push(resp)
	p.signalReady()
}

func (p *Parser) reportError(err error, kind string) {
	metrics.RecordProtocolError(kind)
	p.logger.WithError(err).Warn("protocol error", "type", kind)
	p.errs.push(err)
	p.signalReady()
}
