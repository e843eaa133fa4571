// Package mailstore saves fetched messages into local Maildir folders.
package mailstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"

	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// Sink writes messages into one Maildir per IMAP mailbox below a base
// directory.
type Sink struct {
	basePath string
	logger   *logging.Logger

	mu   sync.Mutex
	dirs map[string]maildir.Dir
}

// NewSink creates the base directory if needed.
func NewSink(basePath string, logger *logging.Logger) (*Sink, error) {
	if basePath == "" {
		return nil, fmt.Errorf("maildir base path is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create maildir base: %w", err)
	}
	return &Sink{
		basePath: basePath,
		logger:   logger.Storage(),
		dirs:     make(map[string]maildir.Dir),
	}, nil
}

// Path returns the Maildir directory used for mailbox.
func (s *Sink) Path(mailbox string) string {
	// Hierarchy separators become dots, as in Maildir++.
	safe := strings.NewReplacer("/", ".", "\\", ".", "..", ".").Replace(mailbox)
	safe = strings.Trim(safe, ".")
	if safe == "" || strings.EqualFold(safe, "INBOX") {
		safe = "INBOX"
	}
	return filepath.Join(s.basePath, safe)
}

func (s *Sink) dir(mailbox string) (maildir.Dir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dirs[mailbox]; ok {
		return d, nil
	}
	d := maildir.Dir(s.Path(mailbox))
	if err := d.Init(); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("failed to create maildir %s: %w", d, err)
	}
	// Init stops at an existing top directory; complete a partial layout.
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(string(d), sub), 0750); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	s.dirs[mailbox] = d
	return d, nil
}

// Save stores body with the given IMAP flags and returns its Maildir key.
// Messages flagged \Seen go to cur, the rest to new.
func (s *Sink) Save(mailbox string, flags []imap.Flag, body []byte) (string, error) {
	d, err := s.dir(mailbox)
	if err != nil {
		return "", err
	}
	path := string(d)

	key := generateKey()
	tmpPath := filepath.Join(path, "tmp", key)
	if err := os.WriteFile(tmpPath, body, 0640); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	destDir := "new"
	for _, f := range flags {
		if f == imap.FlagSeen {
			destDir = "cur"
			break
		}
	}
	name := key
	if suffix := maildirFlags(flags); suffix != "" || destDir == "cur" {
		name = key + ":2," + suffix
	}

	destPath := filepath.Join(path, destDir, name)
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move message: %w", err)
	}

	s.logger.Debug("message saved", "mailbox", mailbox, "key", key, "size", len(body))
	return key, nil
}

// SaveFetch stores the message carried by a FETCH response.
func (s *Sink) SaveFetch(mailbox string, resp *protocol.Response) (string, error) {
	data, err := protocol.ParseFetch(resp)
	if err != nil {
		return "", err
	}
	body := data.Body()
	if body == nil {
		return "", fmt.Errorf("FETCH %d carries no message body", data.SeqNum)
	}
	return s.Save(mailbox, data.Flags, body)
}

// Count returns the number of messages stored for mailbox.
func (s *Sink) Count(mailbox string) (int, error) {
	path := s.Path(mailbox)
	total := 0
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(path, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += len(entries)
	}
	return total, nil
}

func generateKey() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("%d.%s", time.Now().UnixNano(), hex.EncodeToString(buf))
}

// maildirFlags renders the info suffix; letters must be sorted.
func maildirFlags(flags []imap.Flag) string {
	var out []maildir.Flag
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			out = append(out, maildir.FlagSeen)
		case imap.FlagAnswered:
			out = append(out, maildir.FlagReplied)
		case imap.FlagFlagged:
			out = append(out, maildir.FlagFlagged)
		case imap.FlagDeleted:
			out = append(out, maildir.FlagTrashed)
		case imap.FlagDraft:
			out = append(out, maildir.FlagDraft)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	var b strings.Builder
	for i, f := range out {
		if i > 0 && out[i-1] == f {
			continue
		}
		b.WriteRune(rune(f))
	}
	return b.String()
}
