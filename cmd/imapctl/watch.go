package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/imap-engine/internal/admin"
	"github.com/fenilsonani/imap-engine/internal/config"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/notify"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
	"github.com/fenilsonani/imap-engine/internal/transport"
	"github.com/fenilsonani/imap-engine/internal/validation"
)

const (
	// Servers may drop an IDLE after 30 minutes of inactivity.
	idleRenewal  = 25 * time.Minute
	pollInterval = 30 * time.Second
)

var watchMetrics string

var watchCmd = &cobra.Command{
	Use:   "watch <mailbox>",
	Short: "Follow mailbox updates with IDLE",
	Long: `Watch selects the mailbox and idles on it, printing every update the
server sends. Updates are published to notify.channel when notify.redis_url
is set. Lost connections are redialed through the circuit breaker.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.Mailbox(args[0]); err != nil {
			return err
		}
		ctx := cmd.Context()
		dialer, err := transport.NewDialer(cfg, logger)
		if err != nil {
			return err
		}

		w := &watcher{
			mailbox:   args[0],
			dialer:    dialer,
			logger:    logger.CLI().WithFields("mailbox", args[0]),
			startedAt: time.Now(),
		}

		if cfg.Notify.RedisURL != "" {
			pub, err := notify.NewRedisPublisher(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, logger)
			if err != nil {
				return err
			}
			defer pub.Close()
			w.publisher = pub
		}

		listen := watchMetrics
		if listen == "" {
			listen = cfg.Metrics.Listen
		}
		if listen != "" {
			srv := admin.NewServer(w.stats, nil, logger)
			if _, err := srv.Start(listen); err != nil {
				return fmt.Errorf("failed to start status server: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
		}

		return w.run(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetrics, "metrics", "", "serve /metrics, /healthz and /api/stats on this address (default metrics.listen)")
}

// watcher keeps one mailbox selected across reconnects.
type watcher struct {
	mailbox   string
	dialer    *transport.Dialer
	publisher *notify.RedisPublisher
	logger    *logging.Logger
	startedAt time.Time

	seen       atomic.Int64
	reconnects atomic.Int64

	mu     sync.Mutex
	client *client
}

// run watches until ctx ends. NO or BAD from the server ends the watch;
// transport failures are retried after the configured backoff.
func (w *watcher) run(ctx context.Context) error {
	backoff := config.Duration(cfg.Reconnect.Backoff, 5*time.Second)
	for {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var statusErr *protocol.StatusError
		if errors.As(err, &statusErr) {
			return err
		}

		w.reconnects.Add(1)
		w.logger.WarnContext(ctx, "Connection lost, reconnecting", "error", errString(err), "backoff", backoff.String(),
			"breaker", w.dialer.Breaker().State().String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *watcher) watchOnce(ctx context.Context) error {
	c, err := connect(ctx, w.dialer, true)
	if err != nil {
		return err
	}
	w.setClient(c)
	defer func() {
		w.setClient(nil)
		c.logout()
	}()

	sctx, cancel := commandContext(ctx)
	res, err := c.sess.Do(sctx, func(p *parser.Parser) (protocol.Handle, error) {
		return p.Select(w.mailbox)
	})
	cancel()
	if err != nil {
		return fmt.Errorf("SELECT %s failed: %w", w.mailbox, err)
	}
	var exists uint64
	for _, r := range res.Data("EXISTS") {
		if r.Fields[0].Kind == protocol.TokenNumber {
			exists = r.Fields[0].Num
		}
	}
	w.logger.Info("Watching mailbox", "exists", exists, "idle", c.sess.Capabilities().Has(imap.CapIdle))

	events := c.sess.Events().Subscribe()
	var forward chan *protocol.Response
	var wg sync.WaitGroup
	if w.publisher != nil {
		forward = make(chan *protocol.Response, 64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.publisher.Forward(context.WithoutCancel(ctx), w.mailbox, forward)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(events, forward)
	}()
	defer wg.Wait()
	// Unsubscribing closes events, which ends consume and then Forward.
	defer c.sess.Events().Unsubscribe(events)

	if c.sess.Capabilities().Has(imap.CapIdle) {
		return w.idle(ctx, c)
	}
	return w.poll(ctx, c)
}

// idle re-issues IDLE before servers time it out.
func (w *watcher) idle(ctx context.Context, c *client) error {
	for {
		ictx, cancel := context.WithTimeout(ctx, idleRenewal)
		err := c.sess.Idle(ictx)
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// poll sends NOOP periodically to servers without IDLE.
func (w *watcher) poll(ctx context.Context, c *client) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.sess.Done():
			return c.sess.Err()
		case <-ticker.C:
			nctx, cancel := commandContext(ctx)
			_, err := c.sess.Do(nctx, (*parser.Parser).Noop)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// consume prints mailbox updates and hands them to the publisher.
func (w *watcher) consume(events <-chan *protocol.Response, forward chan<- *protocol.Response) {
	if forward != nil {
		defer close(forward)
	}
	for resp := range events {
		if !isMailboxUpdate(resp) {
			continue
		}
		w.seen.Add(1)
		ev := notify.NewEvent(w.mailbox, resp)
		err := out.record(ev, func(wr io.Writer) error {
			_, err := fmt.Fprintf(wr, "%s %s\n", ev.ReceivedAt.Format(time.TimeOnly), ev.Raw)
			return err
		})
		if err != nil {
			w.logger.Warn("Failed to print event", "error", err.Error())
		}
		if forward != nil {
			forward <- resp
		}
	}
}

// isMailboxUpdate selects the untagged responses worth reporting.
func isMailboxUpdate(resp *protocol.Response) bool {
	switch resp.Label {
	case "EXISTS", "EXPUNGE", "RECENT", "FETCH", "VANISHED":
		return true
	}
	switch resp.Status {
	case imap.StatusResponseTypeBye:
		return true
	case imap.StatusResponseTypeOK, imap.StatusResponseTypeNo, imap.StatusResponseTypeBad:
		return resp.Code == imap.ResponseCodeAlert
	}
	return false
}

func (w *watcher) setClient(c *client) {
	w.mu.Lock()
	w.client = c
	w.mu.Unlock()
}

func (w *watcher) stats() admin.Stats {
	st := admin.Stats{
		Address:    w.dialer.Address(),
		Mailbox:    w.mailbox,
		Breaker:    w.dialer.Breaker().State().String(),
		Reconnects: int(w.reconnects.Load()),
		EventsSeen: w.seen.Load(),
		StartedAt:  w.startedAt,
	}
	w.mu.Lock()
	c := w.client
	w.mu.Unlock()
	if c != nil {
		st.Connected = true
		st.EventsDropped = c.sess.Events().Dropped()
		if c.recorder != nil {
			st.TranscriptWritten = c.recorder.Written()
			st.TranscriptDropped = c.recorder.Dropped()
		}
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return "server ended the session"
	}
	return err.Error()
}
