// Package session sits on the client side of a parser: it pairs tagged
// completions with the goroutines waiting for them, collects the untagged
// data sent while a command runs, tracks server capabilities and fans
// unsolicited updates out through an EventHub.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// ErrDisconnected is returned to waiters when the connection ends before
// their command completes.
var ErrDisconnected = errors.New("connection closed before completion")

// idleDoneTimeout bounds the wait for the tagged end of IDLE after DONE.
const idleDoneTimeout = 30 * time.Second

// Result is a completed command.
type Result struct {
	Tagged *protocol.Response
	// Untagged holds the untagged responses received between submission
	// and completion, in arrival order.
	Untagged []*protocol.Response
}

// Data returns the untagged responses with the given label.
func (r *Result) Data(label string) []*protocol.Response {
	var out []*protocol.Response
	for _, u := range r.Untagged {
		if u.Label == label {
			out = append(out, u)
		}
	}
	return out
}

// Options configures a Session.
type Options struct {
	// AutoLiteralPlus switches the parser to {n+} literals once the server
	// advertises LITERAL+.
	AutoLiteralPlus bool
	// EventBuffer sizes the event hub intake.
	EventBuffer int
}

type pending struct {
	done      chan *Result
	untagged  []*protocol.Response
	completed bool
}

// Session wraps a running parser. Its methods are safe for concurrent use.
type Session struct {
	p      *parser.Parser
	logger *logging.Logger
	opts   Options
	events *EventHub

	mu       sync.Mutex
	pending  map[protocol.Handle]*pending
	caps     imap.CapSet
	greeting *protocol.Response
	errs     []error

	greeted   chan struct{}
	greetOnce sync.Once
	done      chan struct{}
}

// New starts routing the parser's responses.
func New(p *parser.Parser, opts Options, logger *logging.Logger) *Session {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Session{
		p:       p,
		logger:  logger.Session(),
		opts:    opts,
		events:  NewEventHub(opts.EventBuffer, logger.Session()),
		pending: make(map[protocol.Handle]*pending),
		caps:    make(imap.CapSet),
		greeted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

// Parser returns the underlying parser.
func (s *Session) Parser() *parser.Parser {
	return s.p
}

// Events returns the hub carrying every untagged response.
func (s *Session) Events() *EventHub {
	return s.events
}

// Done is closed after the connection ended and every response was routed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of the disconnect.
func (s *Session) Err() error {
	return s.p.Err()
}

// ProtocolErrors pops the protocol errors reported so far.
func (s *Session) ProtocolErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := s.errs
	s.errs = nil
	return errs
}

// Capabilities returns a copy of the last advertised capability set.
func (s *Session) Capabilities() imap.CapSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make(imap.CapSet, len(s.caps))
	for c := range s.caps {
		caps[c] = struct{}{}
	}
	return caps
}

// Close stops the parser and waits until every response has been routed.
func (s *Session) Close() error {
	err := s.p.Close()
	<-s.done
	return err
}

// Greeting waits for the server greeting. A BYE greeting is an error.
func (s *Session) Greeting(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-s.greeted:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	g := s.greeting
	s.mu.Unlock()
	if g == nil {
		return nil, s.disconnectErr()
	}
	if g.Status == imap.StatusResponseTypeBye {
		return g, fmt.Errorf("server refused connection: %s", g.Text)
	}
	return g, nil
}

// Submit queues a command through fn and registers its handle. Every
// submitted handle must be collected with Wait.
func (s *Session) Submit(fn func(*parser.Parser) (protocol.Handle, error)) (protocol.Handle, error) {
	h, _, err := s.submit(fn)
	return h, err
}

func (s *Session) submit(fn func(*parser.Parser) (protocol.Handle, error)) (protocol.Handle, *pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := fn(s.p)
	if err != nil {
		return "", nil, err
	}
	pd := &pending{done: make(chan *Result, 1)}
	s.pending[h] = pd
	return h, pd, nil
}

// Wait blocks until the command h completes. A NO or BAD completion returns
// the result together with a *protocol.StatusError.
func (s *Session) Wait(ctx context.Context, h protocol.Handle) (*Result, error) {
	s.mu.Lock()
	pd, ok := s.pending[h]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown command handle %q", h)
	}
	return s.await(ctx, h, pd)
}

// Do submits a command and waits for it.
func (s *Session) Do(ctx context.Context, fn func(*parser.Parser) (protocol.Handle, error)) (*Result, error) {
	h, err := s.Submit(fn)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, h)
}

func (s *Session) await(ctx context.Context, h protocol.Handle, pd *pending) (*Result, error) {
	ctx = logging.WithTag(ctx, string(h))
	defer s.forget(h)
	select {
	case res := <-pd.done:
		s.logger.DebugContext(ctx, "command completed", "status", res.Tagged.Status)
		return res, res.Tagged.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case res := <-pd.done:
			return res, res.Tagged.Err()
		default:
		}
		return nil, s.disconnectErr()
	}
}

func (s *Session) forget(h protocol.Handle) {
	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()
}

func (s *Session) disconnectErr() error {
	if err := s.p.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return ErrDisconnected
}

// Capability asks for the capability list and returns it.
func (s *Session) Capability(ctx context.Context) (imap.CapSet, error) {
	if _, err := s.Do(ctx, (*parser.Parser).Capability); err != nil {
		return nil, err
	}
	return s.Capabilities(), nil
}

// Login authenticates with LOGIN.
func (s *Session) Login(ctx context.Context, username, password string) error {
	_, err := s.Do(ctx, func(p *parser.Parser) (protocol.Handle, error) {
		return p.Login(username, password)
	})
	return err
}

// Logout sends LOGOUT and waits for its completion.
func (s *Session) Logout(ctx context.Context) error {
	_, err := s.Do(ctx, (*parser.Parser).Logout)
	if errors.Is(err, ErrDisconnected) {
		// Servers may close right after the tagged OK.
		return nil
	}
	return err
}

// Idle runs IDLE until ctx is cancelled, then sends DONE and waits for the
// tagged completion. Updates arrive through Events meanwhile.
func (s *Session) Idle(ctx context.Context) error {
	h, pd, err := s.submit((*parser.Parser).Idle)
	if err != nil {
		return err
	}

	select {
	case res := <-pd.done:
		// The server ended IDLE on its own.
		s.forget(h)
		return res.Tagged.Err()
	case <-s.done:
		s.forget(h)
		return s.disconnectErr()
	case <-ctx.Done():
	}

	if err := s.p.IdleDone(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idleDoneTimeout)
	defer cancel()
	_, err = s.await(wctx, h, pd)
	return err
}

func (s *Session) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.p.Ready():
			s.route()
		case <-s.p.Disconnected():
			s.route()
			s.greetOnce.Do(func() { close(s.greeted) })
			s.events.Close()
			s.logger.Debug("session ended", "error", s.p.Err())
			return
		}
	}
}

// route drains the parser queues.
func (s *Session) route() {
	for _, err := range s.p.Errors() {
		s.logger.WithError(err).Warn("protocol error")
		s.mu.Lock()
		s.errs = append(s.errs, err)
		s.mu.Unlock()
	}

	for {
		resp, ok := s.p.Next()
		if !ok {
			return
		}
		s.handle(resp)
	}
}

func (s *Session) handle(resp *protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Code == "CAPABILITY" {
		s.setCaps(resp.CodeArgs)
	}

	if resp.Kind == protocol.KindTagged {
		pd, ok := s.pending[resp.Tag]
		if !ok || pd.completed {
			s.logger.Debug("completion without waiter", "tag", resp.Tag)
			return
		}
		pd.completed = true
		pd.done <- &Result{Tagged: resp, Untagged: pd.untagged}
		return
	}

	if s.greeting == nil && resp.IsStatus() {
		s.greeting = resp
		s.greetOnce.Do(func() { close(s.greeted) })
	}
	if resp.Label == "CAPABILITY" && len(resp.Fields) > 0 {
		s.setCaps(resp.Fields[1:])
	}
	for _, pd := range s.pending {
		if !pd.completed {
			pd.untagged = append(pd.untagged, resp)
		}
	}
	s.events.Publish(resp)
}

// setCaps replaces the capability set. Called with s.mu held.
func (s *Session) setCaps(toks []protocol.Token) {
	caps := make(imap.CapSet, len(toks))
	for _, t := range toks {
		if t.Kind == protocol.TokenAtom {
			caps[imap.Cap(strings.ToUpper(string(t.Value)))] = struct{}{}
		}
	}
	s.caps = caps

	if s.opts.AutoLiteralPlus && caps.Has(imap.CapLiteralPlus) && !s.p.LiteralPlus() {
		s.logger.Debug("server supports LITERAL+, switching to non-synchronizing literals")
		s.p.SetLiteralPlus(true)
	}
}
