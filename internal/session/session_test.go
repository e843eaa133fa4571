package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

const testTimeout = 2 * time.Second

type fakeServer struct {
	conn net.Conn
	r    *bufio.Reader
}

func (s *fakeServer) readLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := s.r.ReadString('\n')
	return strings.TrimSuffix(line, "\r\n"), err
}

func (s *fakeServer) write(data string) error {
	s.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err := io.WriteString(s.conn, data)
	return err
}

// script runs the server side in the background. Each step either expects a
// client line (prefix "C: ") or writes raw server data.
func (s *fakeServer) script(t *testing.T, steps ...string) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		for _, step := range steps {
			if want, ok := strings.CutPrefix(step, "C: "); ok {
				got, err := s.readLine()
				if err != nil {
					errc <- err
					return
				}
				if got != want {
					errc <- errors.New("client sent " + got + ", want " + want)
					return
				}
				continue
			}
			if err := s.write(step); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	return errc
}

func wait(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("server script: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("server script did not finish")
	}
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	p, err := parser.New(client, parser.Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("parser.New() error = %v", err)
	}
	s := New(p, opts, logging.Discard())
	// Closing the server end first releases any write the test left unread.
	t.Cleanup(func() {
		server.Close()
		s.Close()
	})
	return s, &fakeServer{conn: server, r: bufio.NewReader(server)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_GreetingEnablesLiteralPlus(t *testing.T) {
	s, srv := newTestSession(t, Options{AutoLiteralPlus: true})
	errc := srv.script(t, "* OK [CAPABILITY IMAP4rev1 LITERAL+ IDLE] ready\r\n")

	g, err := s.Greeting(testContext(t))
	if err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	wait(t, errc)

	if g.Text != "ready" {
		t.Errorf("greeting text = %q, want ready", g.Text)
	}
	caps := s.Capabilities()
	for _, c := range []imap.Cap{imap.CapIMAP4rev1, imap.CapLiteralPlus, imap.CapIdle} {
		if !caps.Has(c) {
			t.Errorf("Capabilities() missing %s", c)
		}
	}
	if !s.Parser().LiteralPlus() {
		t.Error("LiteralPlus() = false after LITERAL+ was advertised")
	}
}

func TestSession_CapabilitiesIgnoreCase(t *testing.T) {
	s, srv := newTestSession(t, Options{AutoLiteralPlus: true})
	errc := srv.script(t, "* OK [CAPABILITY imap4rev1 literal+ Idle] ready\r\n")

	if _, err := s.Greeting(testContext(t)); err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	wait(t, errc)

	caps := s.Capabilities()
	for _, c := range []imap.Cap{imap.CapIMAP4rev1, imap.CapLiteralPlus, imap.CapIdle} {
		if !caps.Has(c) {
			t.Errorf("Capabilities() missing %s", c)
		}
	}
	if !s.Parser().LiteralPlus() {
		t.Error("LiteralPlus() = false after literal+ was advertised")
	}
}

func TestSession_LiteralPlusStaysOffByDefault(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "* OK [CAPABILITY IMAP4rev1 LITERAL+] ready\r\n")

	if _, err := s.Greeting(testContext(t)); err != nil {
		t.Fatalf("Greeting() error = %v", err)
	}
	wait(t, errc)
	if s.Parser().LiteralPlus() {
		t.Error("LiteralPlus() = true without AutoLiteralPlus")
	}
}

func TestSession_GreetingBye(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "* BYE too many connections\r\n")

	if _, err := s.Greeting(testContext(t)); err == nil {
		t.Error("Greeting() error = nil for BYE")
	}
	wait(t, errc)
}

func TestSession_CapabilityCommand(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t,
		"* OK hi\r\n",
		"C: A001 CAPABILITY",
		"* CAPABILITY IMAP4rev1 IDLE\r\nA001 OK done\r\n",
	)

	caps, err := s.Capability(testContext(t))
	if err != nil {
		t.Fatalf("Capability() error = %v", err)
	}
	wait(t, errc)
	if !caps.Has(imap.CapIdle) || caps.Has(imap.CapLiteralPlus) {
		t.Errorf("Capability() = %v", caps)
	}
}

func TestSession_DoCollectsUntagged(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t,
		`C: A001 LIST "" "*"`,
		"* LIST (\\HasNoChildren) \"/\" INBOX\r\n",
		"* LIST (\\HasChildren) \"/\" Archive\r\n",
		"* 3 EXISTS\r\n",
		"A001 OK LIST completed\r\n",
	)

	res, err := s.Do(testContext(t), func(p *parser.Parser) (protocol.Handle, error) {
		return p.List("", "*")
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	wait(t, errc)

	if got := len(res.Data("LIST")); got != 2 {
		t.Errorf("LIST data = %d, want 2", got)
	}
	if len(res.Untagged) != 3 {
		t.Errorf("Untagged = %d, want 3", len(res.Untagged))
	}
	if res.Tagged.Tag != "A001" {
		t.Errorf("Tagged = %v", res.Tagged)
	}
}

func TestSession_NoCompletion(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t,
		"C: A001 SELECT Missing",
		"A001 NO [NONEXISTENT] no such mailbox\r\n",
	)

	res, err := s.Do(testContext(t), func(p *parser.Parser) (protocol.Handle, error) {
		return p.Select("Missing")
	})
	wait(t, errc)

	var se *protocol.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Do() error = %v, want StatusError", err)
	}
	if se.Code != imap.ResponseCodeNonExistent {
		t.Errorf("Code = %q", se.Code)
	}
	if res == nil || res.Tagged.Status != imap.StatusResponseTypeNo {
		t.Errorf("result = %v", res)
	}
}

func TestSession_CompletionBeforeWait(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "C: A001 NOOP", "A001 OK\r\n")

	h, err := s.Submit((*parser.Parser).Noop)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	wait(t, errc)
	time.Sleep(20 * time.Millisecond)

	if _, err := s.Wait(testContext(t), h); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if _, err := s.Wait(testContext(t), h); err == nil {
		t.Error("second Wait() error = nil, want unknown handle")
	}
}

func TestSession_DisconnectWakesWaiters(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "C: A001 NOOP")

	h, err := s.Submit((*parser.Parser).Noop)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	wait(t, errc)
	srv.conn.Close()

	if _, err := s.Wait(testContext(t), h); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Wait() error = %v, want ErrDisconnected", err)
	}
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("Done() not closed")
	}
}

func TestSession_WaitContextCancelled(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "C: A001 NOOP")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Do(ctx, (*parser.Parser).Noop)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want DeadlineExceeded", err)
	}
	wait(t, errc)
}

func TestSession_Idle(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	events := s.Events().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := srv.script(t,
		"C: A001 IDLE",
		"+ idling\r\n",
		"* 5 EXISTS\r\n",
		"C: DONE",
		"A001 OK IDLE terminated\r\n",
	)

	idleErr := make(chan error, 1)
	go func() { idleErr <- s.Idle(ctx) }()

	select {
	case ev := <-events:
		if ev.Label != "EXISTS" {
			t.Errorf("event = %v, want EXISTS", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("no event during IDLE")
	}
	cancel()

	select {
	case err := <-idleErr:
		if err != nil {
			t.Errorf("Idle() error = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Idle() did not return")
	}
	wait(t, errc)
}

func TestSession_IdleRefused(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "C: A001 IDLE", "A001 BAD IDLE not supported\r\n")

	err := s.Idle(testContext(t))
	var se *protocol.StatusError
	if !errors.As(err, &se) || se.Status != imap.StatusResponseTypeBad {
		t.Errorf("Idle() error = %v, want BAD StatusError", err)
	}
	wait(t, errc)
}

func TestSession_ProtocolErrors(t *testing.T) {
	s, srv := newTestSession(t, Options{})
	errc := srv.script(t, "Z999 OK stray\r\n", "C: A001 NOOP", "A001 OK\r\n")

	if _, err := s.Do(testContext(t), (*parser.Parser).Noop); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	wait(t, errc)

	errs := s.ProtocolErrors()
	var mismatch *parser.TagMismatchError
	if len(errs) != 1 || !errors.As(errs[0], &mismatch) {
		t.Errorf("ProtocolErrors() = %v, want one tag mismatch", errs)
	}
}
