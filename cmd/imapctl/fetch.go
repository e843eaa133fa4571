package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/imap-engine/internal/mailstore"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
	"github.com/fenilsonani/imap-engine/internal/security"
	"github.com/fenilsonani/imap-engine/internal/transport"
	"github.com/fenilsonani/imap-engine/internal/validation"
)

const fetchItems = "(UID FLAGS RFC822.SIZE BODY.PEEK[])"

var (
	fetchMaildir    string
	fetchVerifyDKIM bool
	fetchUID        bool
)

type fetchedMessage struct {
	SeqNum     uint32                `json:"seq" yaml:"seq"`
	UID        uint32                `json:"uid,omitempty" yaml:"uid,omitempty"`
	Size       int64                 `json:"size" yaml:"size"`
	Flags      []string              `json:"flags,omitempty" yaml:"flags,omitempty"`
	Summary    *mailstore.Summary    `json:"summary" yaml:"summary"`
	MaildirKey string                `json:"maildir_key,omitempty" yaml:"maildir_key,omitempty"`
	DKIM       []security.DKIMResult `json:"dkim,omitempty" yaml:"dkim,omitempty"`
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <mailbox> <set>",
	Short: "Fetch messages, optionally saving them to a Maildir",
	Long: `Fetch opens the mailbox read-only and retrieves the messages in set
("1:10", "4,7,20:*"). Bodies are saved to --maildir when given and checked
against their DKIM signatures with --verify-dkim.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mailbox := args[0]
		if err := validation.Mailbox(mailbox); err != nil {
			return err
		}
		set, err := parseNumSet(args[1], fetchUID)
		if err != nil {
			return err
		}

		var sink *mailstore.Sink
		if dir := fetchMaildir; dir != "" || cfg.Maildir.Path != "" {
			if dir == "" {
				dir = cfg.Maildir.Path
			}
			if sink, err = mailstore.NewSink(dir, logger); err != nil {
				return err
			}
		}
		var verifier *security.DKIMVerifier
		if fetchVerifyDKIM {
			verifier = security.NewDKIMVerifier(logger)
		}

		dialer, err := transport.NewDialer(cfg, logger)
		if err != nil {
			return err
		}
		c, err := connect(cmd.Context(), dialer, true)
		if err != nil {
			return err
		}
		defer c.logout()

		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		// EXAMINE and FETCH are pipelined; the FETCH is only useful if the
		// EXAMINE succeeded.
		examine, err := c.sess.Submit(func(p *parser.Parser) (protocol.Handle, error) {
			return p.Examine(mailbox)
		})
		if err != nil {
			return err
		}
		fetch, err := c.sess.Submit(func(p *parser.Parser) (protocol.Handle, error) {
			return p.Fetch(set, fetchItems)
		})
		if err != nil {
			c.sess.Wait(ctx, examine)
			return err
		}
		_, examineErr := c.sess.Wait(ctx, examine)
		res, fetchErr := c.sess.Wait(ctx, fetch)
		if examineErr != nil {
			return fmt.Errorf("EXAMINE %s failed: %w", mailbox, examineErr)
		}
		if fetchErr != nil {
			return fmt.Errorf("FETCH failed: %w", fetchErr)
		}

		var messages []fetchedMessage
		for _, resp := range res.Data("FETCH") {
			data, err := protocol.ParseFetch(resp)
			if err != nil {
				logger.CLI().Warn("Skipping malformed FETCH", "error", err.Error())
				continue
			}
			msg := fetchedMessage{
				SeqNum: data.SeqNum,
				UID:    uint32(data.UID),
				Size:   data.RFC822Size,
			}
			for _, f := range data.Flags {
				msg.Flags = append(msg.Flags, string(f))
			}

			body := data.Body()
			if body == nil {
				messages = append(messages, msg)
				continue
			}
			msg.Summary = mailstore.Summarize(body)
			if sink != nil {
				if msg.MaildirKey, err = sink.Save(mailbox, data.Flags, body); err != nil {
					return err
				}
			}
			if verifier != nil {
				if msg.DKIM, err = verifier.Verify(cmd.Context(), body); err != nil {
					logger.CLI().Warn("DKIM verification failed", "seq", data.SeqNum, "error", err.Error())
				}
			}
			messages = append(messages, msg)
		}

		return out.print(messages, func(w io.Writer) error {
			for _, m := range messages {
				subject, from, date := "", "", ""
				if m.Summary != nil {
					subject, from = m.Summary.Subject, m.Summary.From
					if !m.Summary.Date.IsZero() {
						date = m.Summary.Date.Format(time.DateTime)
					}
				}
				fmt.Fprintf(w, "%-6d %-8d %-19s %-30s %s\n", m.SeqNum, m.UID, date, from, subject)
				if len(m.Flags) > 0 {
					fmt.Fprintf(w, "       flags: %s\n", strings.Join(m.Flags, " "))
				}
				if m.MaildirKey != "" {
					fmt.Fprintf(w, "       saved: %s\n", m.MaildirKey)
				}
				if m.DKIM != nil {
					fmt.Fprintf(w, "       %s\n", security.FormatResults(m.DKIM))
				}
			}
			return nil
		})
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchMaildir, "maildir", "", "save bodies below this directory (default maildir.path)")
	fetchCmd.Flags().BoolVar(&fetchVerifyDKIM, "verify-dkim", false, "verify DKIM signatures of fetched bodies")
	fetchCmd.Flags().BoolVar(&fetchUID, "uid", false, "interpret the set as UIDs (UID FETCH)")
}
