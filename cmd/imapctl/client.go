package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"golang.org/x/term"

	"github.com/fenilsonani/imap-engine/internal/config"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
	"github.com/fenilsonani/imap-engine/internal/session"
	"github.com/fenilsonani/imap-engine/internal/transcript"
	"github.com/fenilsonani/imap-engine/internal/transport"
)

const logoutTimeout = 5 * time.Second

// client is one connected, optionally authenticated session.
type client struct {
	sess     *session.Session
	greeting *protocol.Response
	db       *transcript.DB
	recorder *transcript.Recorder
}

// connect dials the configured server, starts the engine and waits for the
// greeting. With login set it also authenticates unless the server greeted
// with PREAUTH.
func connect(ctx context.Context, dialer *transport.Dialer, login bool) (*client, error) {
	conn, err := dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	c := &client{}
	opts := cfg.ParserOptions()
	if cfg.Transcript.Enabled {
		if err := c.openTranscript(ctx, conn.RemoteAddr().String()); err != nil {
			conn.Close()
			c.close()
			return nil, err
		}
		opts.Trace = c.recorder.Trace
		ctx = logging.WithSessionID(ctx, strconv.FormatInt(c.recorder.SessionID(), 10))
	}

	p, err := parser.New(conn, opts, logger)
	if err != nil {
		conn.Close()
		c.close()
		return nil, err
	}
	c.sess = session.New(p, session.Options{AutoLiteralPlus: cfg.Engine.AutoLiteralPlus}, logger)

	gctx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Server.ConnectTimeout, 30*time.Second))
	defer cancel()
	c.greeting, err = c.sess.Greeting(gctx)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("no greeting from %s: %w", dialer.Address(), err)
	}
	logger.CLI().DebugContext(ctx, "Connected", "server", dialer.Address(), "greeting", c.greeting.Text)

	if !login || c.greeting.Status == imap.StatusResponseTypePreAuth {
		return c, nil
	}

	password, err := resolvePassword()
	if err != nil {
		c.close()
		return nil, err
	}
	lctx, lcancel := commandContext(ctx)
	defer lcancel()
	if err := c.sess.Login(lctx, cfg.Auth.Username, password); err != nil {
		c.close()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return c, nil
}

func (c *client) openTranscript(ctx context.Context, remoteAddr string) error {
	db, err := transcript.Open(cfg.Transcript.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open transcript database: %w", err)
	}
	c.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	c.recorder, err = transcript.NewRecorder(ctx, db, remoteAddr, logger)
	return err
}

// logout sends LOGOUT and closes everything.
func (c *client) logout() {
	if c.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		if err := c.sess.Logout(ctx); err != nil {
			logger.CLI().Debug("Logout failed", "error", err.Error())
		}
		cancel()
	}
	c.close()
}

// close tears down the session, then flushes the transcript.
func (c *client) close() {
	if c.sess != nil {
		c.sess.Close()
		for _, err := range c.sess.ProtocolErrors() {
			logger.CLI().Warn("Protocol error", "error", err.Error())
		}
		if unsent := c.sess.Parser().Unsent(); len(unsent) > 0 {
			logger.CLI().Warn("Commands never sent", "tags", unsent)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			logger.CLI().Warn("Transcript flush failed", "error", err.Error())
		}
		if n := c.recorder.Dropped(); n > 0 {
			logger.CLI().Warn("Transcript chunks dropped", "count", n)
		}
	}
	if c.db != nil {
		c.db.Close()
	}
}

// commandContext bounds one command by engine.command_timeout.
func commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, config.Duration(cfg.Engine.CommandTimeout, 2*time.Minute))
}

// resolvePassword returns the configured password, prompting on a terminal
// when none is set.
func resolvePassword() (string, error) {
	if cfg.Auth.Username == "" {
		return "", errors.New("auth.username is required")
	}
	if pw := cfg.Password(); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("no password configured and stdin is not a terminal")
	}
	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", cfg.Auth.Username, cfg.Server.Host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// parseNumSet parses "1:5,7,10:*" into a sequence set, or a UID set when
// uid is true.
func parseNumSet(s string, uid bool) (imap.NumSet, error) {
	var seqs imap.SeqSet
	var uids imap.UIDSet
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := parseSetNum(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid set %q: %w", s, err)
		}
		stop := start
		if isRange {
			if stop, err = parseSetNum(hi); err != nil {
				return nil, fmt.Errorf("invalid set %q: %w", s, err)
			}
		}
		if uid {
			uids.AddRange(imap.UID(start), imap.UID(stop))
		} else {
			seqs.AddRange(start, stop)
		}
	}
	if uid {
		return uids, nil
	}
	return seqs, nil
}

// parseSetNum parses one set bound; "*" is 0.
func parseSetNum(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(n), nil
}
