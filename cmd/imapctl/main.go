package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/emersion/go-imap/v2"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/imap-engine/internal/config"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
	"github.com/fenilsonani/imap-engine/internal/transcript"
	"github.com/fenilsonani/imap-engine/internal/transport"
)

const version = "v0.1.0"

var (
	cfgFile      string
	outputFormat string
	cfg          *config.Config
	logger       *logging.Logger
	out          *printer
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "imapctl",
	Short: "IMAP client driven by a pipelining protocol engine",
	Long: `imapctl talks to an IMAP4rev1 server through the engine:
- capability and mailbox listing
- fetching messages into a local Maildir, with DKIM verification
- watching a mailbox with IDLE and publishing updates to Redis
- inspecting recorded wire transcripts`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		logger, err = logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}

		out, err = newPrinter(outputFormat, cmd.OutOrStdout())
		return err
	},
}

type capabilityResult struct {
	Server       string   `json:"server" yaml:"server"`
	Greeting     string   `json:"greeting" yaml:"greeting"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
}

var capabilityCmd = &cobra.Command{
	Use:   "capability",
	Short: "Show the server greeting and capabilities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dialer, err := transport.NewDialer(cfg, logger)
		if err != nil {
			return err
		}
		c, err := connect(cmd.Context(), dialer, false)
		if err != nil {
			return err
		}
		defer c.logout()

		ctx, cancel := commandContext(cmd.Context())
		defer cancel()
		caps, err := c.sess.Capability(ctx)
		if err != nil {
			return fmt.Errorf("CAPABILITY failed: %w", err)
		}

		res := capabilityResult{
			Server:       dialer.Address(),
			Greeting:     c.greeting.Text,
			Capabilities: sortedCaps(caps),
		}
		return out.print(res, func(w io.Writer) error {
			fmt.Fprintf(w, "%s: %s\n", res.Server, res.Greeting)
			for _, name := range res.Capabilities {
				fmt.Fprintln(w, name)
			}
			return nil
		})
	},
}

type mailboxEntry struct {
	Name       string   `json:"name" yaml:"name"`
	Delimiter  string   `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Attributes []string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

var listSubscribed bool

var listCmd = &cobra.Command{
	Use:   "list [reference] [pattern]",
	Short: "List mailboxes",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reference, pattern := "", "*"
		if len(args) > 0 {
			reference = args[0]
		}
		if len(args) > 1 {
			pattern = args[1]
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
		verb, list := "LIST", (*parser.Parser).List
		if listSubscribed {
			verb, list = "LSUB", (*parser.Parser).Lsub
		}
		res, err := c.sess.Do(ctx, func(p *parser.Parser) (protocol.Handle, error) {
			return list(p, reference, pattern)
		})
		if err != nil {
			return fmt.Errorf("%s failed: %w", verb, err)
		}

		entries := make([]mailboxEntry, 0, len(res.Untagged))
		for _, resp := range res.Data(verb) {
			d, err := protocol.ParseList(resp)
			if err != nil {
				logger.CLI().Warn("Skipping malformed response", "error", err.Error())
				continue
			}
			e := mailboxEntry{Name: d.Mailbox, Delimiter: d.Delim}
			for _, a := range d.Attrs {
				e.Attributes = append(e.Attributes, string(a))
			}
			entries = append(entries, e)
		}

		return out.print(entries, func(w io.Writer) error {
			for _, e := range entries {
				fmt.Fprintf(w, "%-40s %-3s %s\n", e.Name, e.Delimiter, strings.Join(e.Attributes, " "))
			}
			return nil
		})
	},
}

var transcriptLimit int

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "Show recorded sessions, or the wire chunks of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := transcript.Open(cfg.Transcript.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		ctx := cmd.Context()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		if len(args) == 0 {
			sessions, err := db.Sessions(ctx, transcriptLimit)
			if err != nil {
				return err
			}
			return out.print(sessions, func(w io.Writer) error {
				fmt.Fprintf(w, "%-6s %-25s %-25s %s\n", "ID", "STARTED", "ENDED", "REMOTE")
				for _, s := range sessions {
					ended := "-"
					if s.EndedAt != nil {
						ended = s.EndedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%-6d %-25s %-25s %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), ended, s.RemoteAddr)
				}
				return nil
			})
		}

		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
			return fmt.Errorf("invalid session id %q", args[0])
		}
		entries, err := db.Query(ctx, transcript.QueryFilter{SessionID: id, Limit: transcriptLimit})
		if err != nil {
			return err
		}
		return out.print(entries, func(w io.Writer) error {
			for _, e := range entries {
				data := strings.TrimRight(e.Data, "\r\n")
				for _, l := range strings.Split(data, "\r\n") {
					fmt.Fprintf(w, "%s: %s\n", e.Direction, l)
				}
			}
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "imapctl "+version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "imapctl.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "output format: text, json, or yaml")

	listCmd.Flags().BoolVar(&listSubscribed, "subscribed", false, "list subscribed mailboxes (LSUB)")
	transcriptCmd.Flags().IntVar(&transcriptLimit, "limit", 0, "maximum rows to show")

	rootCmd.AddCommand(capabilityCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(versionCmd)
}

func sortedCaps(caps imap.CapSet) []string {
	names := make([]string, 0, len(caps))
	for c := range caps {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
