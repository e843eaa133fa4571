package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// internalDateLayout is the RFC 3501 date-time form used by APPEND.
const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

// Capability requests the server's capability list.
func (p *Parser) Capability() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("CAPABILITY"))
}

// Noop polls for pending untagged updates.
func (p *Parser) Noop() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("NOOP"))
}

// Logout ends the session. The server answers with BYE and closes the
// connection.
func (p *Parser) Logout() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("LOGOUT"))
}

// StartTLS asks the server to negotiate TLS. Upgrading the stream is the
// transport's job; see transport.Dial.
func (p *Parser) StartTLS() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("STARTTLS"))
}

// Login authenticates with a plain user name and password. The command is
// marked sensitive so its arguments never reach traces or logs.
func (p *Parser) Login(username, password string) (protocol.Handle, error) {
	cmd := protocol.NewCommand("LOGIN", protocol.AString(username), protocol.AString(password))
	return p.queueCommand(cmd.Sensitive())
}

// Select opens a mailbox read-write.
func (p *Parser) Select(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("SELECT", mailbox)
}

// Examine opens a mailbox read-only.
func (p *Parser) Examine(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("EXAMINE", mailbox)
}

// Create creates a mailbox.
func (p *Parser) Create(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("CREATE", mailbox)
}

// Delete deletes a mailbox.
func (p *Parser) Delete(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("DELETE", mailbox)
}

// Rename renames a mailbox.
func (p *Parser) Rename(oldName, newName string) (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("RENAME", mailboxName(oldName), mailboxName(newName)))
}

// Subscribe adds a mailbox to the subscription list.
func (p *Parser) Subscribe(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("SUBSCRIBE", mailbox)
}

// Unsubscribe removes a mailbox from the subscription list.
func (p *Parser) Unsubscribe(mailbox string) (protocol.Handle, error) {
	return p.mailboxCommand("UNSUBSCRIBE", mailbox)
}

// List lists mailboxes matching pattern under reference.
func (p *Parser) List(reference, pattern string) (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("LIST", protocol.AString(reference), protocol.AString(pattern)))
}

// Lsub lists subscribed mailboxes matching pattern under reference.
func (p *Parser) Lsub(reference, pattern string) (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("LSUB", protocol.AString(reference), protocol.AString(pattern)))
}

// Status requests the selected counters of a mailbox without selecting it.
func (p *Parser) Status(mailbox string, options *imap.StatusOptions) (protocol.Handle, error) {
	items := statusItems(options)
	if len(items) == 0 {
		return "", errors.New("status requires at least one item")
	}
	return p.queueCommand(protocol.NewCommand("STATUS", mailboxName(mailbox), protocol.Atom("("+strings.Join(items, " ")+")")))
}

func statusItems(options *imap.StatusOptions) []string {
	if options == nil {
		return nil
	}
	var items []string
	if options.NumMessages {
		items = append(items, "MESSAGES")
	}
	if options.UIDNext {
		items = append(items, "UIDNEXT")
	}
	if options.UIDValidity {
		items = append(items, "UIDVALIDITY")
	}
	if options.NumUnseen {
		items = append(items, "UNSEEN")
	}
	return items
}

// Append uploads a message. flags and date are optional; the message is
// always sent as a literal.
func (p *Parser) Append(mailbox string, flags []imap.Flag, date time.Time, message []byte) (protocol.Handle, error) {
	args := []protocol.Part{mailboxName(mailbox)}
	if len(flags) > 0 {
		args = append(args, flagList(flags))
	}
	if !date.IsZero() {
		args = append(args, protocol.Quoted(date.Format(internalDateLayout)))
	}
	args = append(args, protocol.Literal(message))
	return p.queueCommand(protocol.NewCommand("APPEND", args...))
}

// Check requests a checkpoint of the selected mailbox.
func (p *Parser) Check() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("CHECK"))
}

// CloseMailbox expunges and deselects the selected mailbox (IMAP CLOSE).
func (p *Parser) CloseMailbox() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("CLOSE"))
}

// Unselect deselects the mailbox without expunging (RFC 3691).
func (p *Parser) Unselect() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("UNSELECT"))
}

// Expunge removes messages flagged \Deleted.
func (p *Parser) Expunge() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand("EXPUNGE"))
}

// Search runs a SEARCH with criteria in wire syntax ("UNSEEN FROM x").
// charset is optional.
func (p *Parser) Search(charset, criteria string) (protocol.Handle, error) {
	return p.search("SEARCH", charset, criteria)
}

// UIDSearch is Search returning UIDs.
func (p *Parser) UIDSearch(charset, criteria string) (protocol.Handle, error) {
	return p.search("UID SEARCH", charset, criteria)
}

func (p *Parser) search(verb, charset, criteria string) (protocol.Handle, error) {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		return "", errors.New("search criteria must not be empty")
	}
	var args []protocol.Part
	if charset != "" {
		args = append(args, protocol.Atom("CHARSET"), protocol.AString(charset))
	}
	args = append(args, protocol.Atom(criteria))
	return p.queueCommand(protocol.NewCommand(verb, args...))
}

// Fetch retrieves data items in wire syntax ("(FLAGS BODY.PEEK[])") for the
// messages in set. A UIDSet sends UID FETCH.
func (p *Parser) Fetch(set imap.NumSet, items string) (protocol.Handle, error) {
	if strings.TrimSpace(items) == "" {
		return "", errors.New("fetch items must not be empty")
	}
	verb, setPart, err := numSetVerb("FETCH", set)
	if err != nil {
		return "", err
	}
	return p.queueCommand(protocol.NewCommand(verb, setPart, protocol.Atom(items)))
}

// Store changes message flags. A UIDSet sends UID STORE.
func (p *Parser) Store(set imap.NumSet, flags *imap.StoreFlags) (protocol.Handle, error) {
	if flags == nil {
		return "", errors.New("store flags are required")
	}
	verb, setPart, err := numSetVerb("STORE", set)
	if err != nil {
		return "", err
	}

	var item string
	switch flags.Op {
	case imap.StoreFlagsSet:
		item = "FLAGS"
	case imap.StoreFlagsAdd:
		item = "+FLAGS"
	case imap.StoreFlagsDel:
		item = "-FLAGS"
	default:
		return "", fmt.Errorf("unknown store operation %v", flags.Op)
	}
	if flags.Silent {
		item += ".SILENT"
	}
	return p.queueCommand(protocol.NewCommand(verb, setPart, protocol.Atom(item), flagList(flags.Flags)))
}

// Copy copies messages to another mailbox. A UIDSet sends UID COPY.
func (p *Parser) Copy(set imap.NumSet, mailbox string) (protocol.Handle, error) {
	verb, setPart, err := numSetVerb("COPY", set)
	if err != nil {
		return "", err
	}
	return p.queueCommand(protocol.NewCommand(verb, setPart, mailboxName(mailbox)))
}

// X sends an experimental or extension command. The verb must start with X.
func (p *Parser) X(verb string, args ...protocol.Part) (protocol.Handle, error) {
	if len(verb) < 2 || (verb[0] != 'X' && verb[0] != 'x') || strings.ContainsAny(verb, " \r\n") {
		return "", fmt.Errorf("extension verb must be an X-atom (got: %q)", verb)
	}
	return p.queueCommand(protocol.NewCommand(strings.ToUpper(verb), args...))
}

// Idle starts IDLE. Commands queued afterwards are held until the server
// confirms with a continuation request, so IdleDone may be called at once.
func (p *Parser) Idle() (protocol.Handle, error) {
	return p.queueCommand(protocol.NewIdleCommand())
}

// IdleDone ends IDLE. The server then completes the IDLE command's tag.
func (p *Parser) IdleDone() error {
	_, err := p.queueCommand(protocol.NewContinuationLine("DONE"))
	return err
}

func (p *Parser) mailboxCommand(verb, mailbox string) (protocol.Handle, error) {
	return p.queueCommand(protocol.NewCommand(verb, mailboxName(mailbox)))
}

// mailboxName encodes a mailbox argument. INBOX is case-insensitive and is
// normalized.
func mailboxName(name string) protocol.Part {
	if strings.EqualFold(name, "INBOX") {
		return protocol.Atom("INBOX")
	}
	return protocol.AString(name)
}

func flagList(flags []imap.Flag) protocol.Part {
	names := make([]string, len(flags))
	for i, f := range flags {
		names[i] = string(f)
	}
	return protocol.Atom("(" + strings.Join(names, " ") + ")")
}

// numSetVerb picks the UID variant of verb for UID sets and renders the set.
func numSetVerb(verb string, set imap.NumSet) (string, protocol.Part, error) {
	if set == nil {
		return "", protocol.Part{}, errors.New("message set is required")
	}
	s := set.String()
	if s == "" {
		return "", protocol.Part{}, errors.New("message set must not be empty")
	}
	if _, ok := set.(imap.UIDSet); ok {
		verb = "UID " + verb
	}
	return verb, protocol.Atom(s), nil
}
