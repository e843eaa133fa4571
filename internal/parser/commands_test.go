package parser

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/protocol"
)

func seqNum(n uint32) imap.NumSet {
	return imap.SeqSetNum(n)
}

func TestCommands_WireFormat(t *testing.T) {
	date := time.Date(2024, time.March, 5, 9, 7, 0, 0, time.UTC)

	tests := []struct {
		name string
		call func(p *Parser) (protocol.Handle, error)
		want string
	}{
		{"capability", (*Parser).Capability, "A001 CAPABILITY"},
		{"noop", (*Parser).Noop, "A001 NOOP"},
		{"logout", (*Parser).Logout, "A001 LOGOUT"},
		{"starttls", (*Parser).StartTLS, "A001 STARTTLS"},
		{"check", (*Parser).Check, "A001 CHECK"},
		{"close", (*Parser).CloseMailbox, "A001 CLOSE"},
		{"unselect", (*Parser).Unselect, "A001 UNSELECT"},
		{"expunge", (*Parser).Expunge, "A001 EXPUNGE"},
		{
			"login",
			func(p *Parser) (protocol.Handle, error) { return p.Login("bob", `pa"ss`) },
			`A001 LOGIN bob "pa\"ss"`,
		},
		{
			"select inbox any case",
			func(p *Parser) (protocol.Handle, error) { return p.Select("Inbox") },
			"A001 SELECT INBOX",
		},
		{
			"examine quoted",
			func(p *Parser) (protocol.Handle, error) { return p.Examine("Sent Items") },
			`A001 EXAMINE "Sent Items"`,
		},
		{
			"delete",
			func(p *Parser) (protocol.Handle, error) { return p.Delete("Old") },
			"A001 DELETE Old",
		},
		{
			"rename",
			func(p *Parser) (protocol.Handle, error) { return p.Rename("Old", "New Name") },
			`A001 RENAME Old "New Name"`,
		},
		{
			"subscribe",
			func(p *Parser) (protocol.Handle, error) { return p.Subscribe("Lists") },
			"A001 SUBSCRIBE Lists",
		},
		{
			"unsubscribe",
			func(p *Parser) (protocol.Handle, error) { return p.Unsubscribe("Lists") },
			"A001 UNSUBSCRIBE Lists",
		},
		{
			"list",
			func(p *Parser) (protocol.Handle, error) { return p.List("", "*") },
			`A001 LIST "" "*"`,
		},
		{
			"lsub",
			func(p *Parser) (protocol.Handle, error) { return p.Lsub("", "%") },
			`A001 LSUB "" "%"`,
		},
		{
			"status",
			func(p *Parser) (protocol.Handle, error) {
				return p.Status("INBOX", &imap.StatusOptions{NumMessages: true, UIDNext: true, NumUnseen: true})
			},
			"A001 STATUS INBOX (MESSAGES UIDNEXT UNSEEN)",
		},
		{
			"append with flags and date",
			func(p *Parser) (protocol.Handle, error) {
				return p.Append("Sent", []imap.Flag{imap.FlagSeen, imap.FlagDraft}, date, []byte("x"))
			},
			`A001 APPEND Sent (\Seen \Draft) " 5-Mar-2024 09:07:00 +0000" {1}`,
		},
		{
			"search with charset",
			func(p *Parser) (protocol.Handle, error) { return p.Search("UTF-8", "UNSEEN SINCE 1-Feb-2024") },
			"A001 SEARCH CHARSET UTF-8 UNSEEN SINCE 1-Feb-2024",
		},
		{
			"uid search",
			func(p *Parser) (protocol.Handle, error) { return p.UIDSearch("", "ALL") },
			"A001 UID SEARCH ALL",
		},
		{
			"fetch",
			func(p *Parser) (protocol.Handle, error) { return p.Fetch(seqNum(4), "(FLAGS BODY.PEEK[HEADER])") },
			"A001 FETCH 4 (FLAGS BODY.PEEK[HEADER])",
		},
		{
			"uid fetch",
			func(p *Parser) (protocol.Handle, error) { return p.Fetch(imap.UIDSetNum(77), "(UID)") },
			"A001 UID FETCH 77 (UID)",
		},
		{
			"store silent add",
			func(p *Parser) (protocol.Handle, error) {
				return p.Store(seqNum(1), &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}})
			},
			`A001 STORE 1 +FLAGS.SILENT (\Seen)`,
		},
		{
			"uid store replace",
			func(p *Parser) (protocol.Handle, error) {
				return p.Store(imap.UIDSetNum(9), &imap.StoreFlags{Op: imap.StoreFlagsSet, Flags: []imap.Flag{imap.FlagFlagged}})
			},
			`A001 UID STORE 9 FLAGS (\Flagged)`,
		},
		{
			"store remove",
			func(p *Parser) (protocol.Handle, error) {
				return p.Store(seqNum(2), &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: []imap.Flag{imap.FlagDeleted}})
			},
			`A001 STORE 2 -FLAGS (\Deleted)`,
		},
		{
			"copy",
			func(p *Parser) (protocol.Handle, error) { return p.Copy(seqNum(3), "Archive") },
			"A001 COPY 3 Archive",
		},
		{
			"uid copy",
			func(p *Parser) (protocol.Handle, error) { return p.Copy(imap.UIDSetNum(5), "Archive") },
			"A001 UID COPY 5 Archive",
		},
		{
			"x atom",
			func(p *Parser) (protocol.Handle, error) {
				return p.X("xlist", protocol.AString(""), protocol.AString("*"))
			},
			`A001 XLIST "" "*"`,
		},
		{"idle", (*Parser).Idle, "A001 IDLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, srv := newTestParser(t, Options{})
			h, err := tt.call(p)
			if err != nil {
				t.Fatalf("call error = %v", err)
			}
			if h != "A001" {
				t.Errorf("handle = %q, want A001", h)
			}
			if got := srv.readLine(); got != tt.want {
				t.Errorf("wire = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommands_InvalidArguments(t *testing.T) {
	p, _ := newTestParser(t, Options{})

	tests := []struct {
		name string
		call func() (protocol.Handle, error)
	}{
		{"status without items", func() (protocol.Handle, error) { return p.Status("INBOX", &imap.StatusOptions{}) }},
		{"status nil options", func() (protocol.Handle, error) { return p.Status("INBOX", nil) }},
		{"fetch nil set", func() (protocol.Handle, error) { return p.Fetch(nil, "(FLAGS)") }},
		{"fetch empty items", func() (protocol.Handle, error) { return p.Fetch(seqNum(1), " ") }},
		{"store nil flags", func() (protocol.Handle, error) { return p.Store(seqNum(1), nil) }},
		{"search empty", func() (protocol.Handle, error) { return p.Search("", "") }},
		{"x without prefix", func() (protocol.Handle, error) { return p.X("FOO") }},
		{"x with space", func() (protocol.Handle, error) { return p.X("X FOO") }},
		{"copy nil set", func() (protocol.Handle, error) { return p.Copy(nil, "Archive") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.call(); err == nil {
				t.Error("error = nil, want error")
			}
		})
	}

	// Rejected arguments never consume a tag.
	h, err := p.Noop()
	if err != nil || h != "A001" {
		t.Errorf("Noop() = %q, %v, want A001", h, err)
	}
}
