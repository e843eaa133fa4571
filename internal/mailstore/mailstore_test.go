package mailstore

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/framer"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

const testMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com, carol@example.com\r\n" +
	"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=\r\n" +
	"Message-ID: <123@example.com>\r\n" +
	"Date: Mon, 20 Dec 2025 10:00:00 -0500\r\n" +
	"\r\n" +
	"Body content\r\n"

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := NewSink(t.TempDir(), logging.Discard())
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	return s
}

func TestNewSink_RequiresPath(t *testing.T) {
	if _, err := NewSink("", nil); err == nil {
		t.Error("NewSink(\"\") error = nil")
	}
}

func TestSink_Path(t *testing.T) {
	s := newTestSink(t)
	tests := []struct {
		mailbox string
		want    string
	}{
		{"INBOX", "INBOX"},
		{"inbox", "INBOX"},
		{"Archive/2024", "Archive.2024"},
		{"../etc", "etc"},
		{"", "INBOX"},
	}
	for _, tt := range tests {
		if got := s.Path(tt.mailbox); got != filepath.Join(s.basePath, tt.want) {
			t.Errorf("Path(%q) = %q, want %q", tt.mailbox, got, tt.want)
		}
	}
}

func TestSink_Save(t *testing.T) {
	tests := []struct {
		name    string
		flags   []imap.Flag
		wantDir string
		suffix  string
	}{
		{"unseen", nil, "new", ""},
		{"seen", []imap.Flag{imap.FlagSeen}, "cur", ":2,S"},
		{"sorted flags", []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered, imap.FlagDraft}, "cur", ":2,DFRS"},
		{"deleted unseen", []imap.Flag{imap.FlagDeleted, "$Junk"}, "new", ":2,T"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSink(t)
			key, err := s.Save("INBOX", tt.flags, []byte(testMessage))
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			path := filepath.Join(s.Path("INBOX"), tt.wantDir, key+tt.suffix)
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("message not at %s: %v", path, err)
			}
			if string(data) != testMessage {
				t.Errorf("stored body = %q", data)
			}

			tmp, _ := os.ReadDir(filepath.Join(s.Path("INBOX"), "tmp"))
			if len(tmp) != 0 {
				t.Errorf("tmp holds %d leftover files", len(tmp))
			}
		})
	}
}

func TestSink_SaveFetch(t *testing.T) {
	s := newTestSink(t)
	l := framer.Line{
		Parts:    [][]byte{[]byte("* 3 FETCH (FLAGS (\\Seen) BODY[] {" + strconv.Itoa(len(testMessage)) + "}"), []byte(")")},
		Literals: [][]byte{[]byte(testMessage)},
	}
	resp, err := protocol.Parse(l)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if _, err := s.SaveFetch("Archive", resp); err != nil {
		t.Fatalf("SaveFetch() error = %v", err)
	}
	if n, err := s.Count("Archive"); err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; want 1", n, err)
	}

	noBody, _ := protocol.Parse(framer.Line{Parts: [][]byte{[]byte("* 4 FETCH (FLAGS ())")}})
	if _, err := s.SaveFetch("Archive", noBody); err == nil {
		t.Error("SaveFetch() error = nil for FETCH without body")
	}
}

func TestSink_CountMissingMailbox(t *testing.T) {
	s := newTestSink(t)
	if n, err := s.Count("Nope"); err != nil || n != 0 {
		t.Errorf("Count() = %d, %v; want 0, nil", n, err)
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize([]byte(testMessage))

	if sum.From != "alice@example.com" {
		t.Errorf("From = %q", sum.From)
	}
	if strings.Join(sum.To, ",") != "bob@example.com,carol@example.com" {
		t.Errorf("To = %v", sum.To)
	}
	if sum.Subject != "Hello World" {
		t.Errorf("Subject = %q, want decoded", sum.Subject)
	}
	if sum.MessageID != "123@example.com" {
		t.Errorf("MessageID = %q", sum.MessageID)
	}
	want := time.Date(2025, time.December, 20, 15, 0, 0, 0, time.UTC)
	if !sum.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", sum.Date, want)
	}
}

func TestSummarize_Garbage(t *testing.T) {
	sum := Summarize([]byte("not a message"))
	if sum == nil {
		t.Fatal("Summarize() = nil")
	}
	if sum.Subject != "" || sum.From != "" {
		t.Errorf("Summarize() = %+v, want empty", sum)
	}
}
