package mailstore

import (
	"bytes"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Summary holds the headers imapctl prints for a fetched message.
type Summary struct {
	MessageID string    `json:"message_id,omitempty" yaml:"message_id,omitempty"`
	Subject   string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	From      string    `json:"from,omitempty" yaml:"from,omitempty"`
	To        []string  `json:"to,omitempty" yaml:"to,omitempty"`
	Date      time.Time `json:"date,omitempty" yaml:"date,omitempty"`
}

// Summarize parses the header of a raw message. Unparseable headers yield
// an empty summary, never an error.
func Summarize(raw []byte) *Summary {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && r == nil {
		return &Summary{}
	}
	defer r.Close()
	h := r.Header

	s := &Summary{}
	if id, err := h.MessageID(); err == nil {
		s.MessageID = id
	}
	if subject, err := h.Subject(); err == nil {
		s.Subject = subject
	} else {
		// Undecodable RFC 2047 words are shown raw.
		s.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		s.From = from[0].Address
	} else {
		s.From = strings.TrimSpace(h.Get("From"))
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			s.To = append(s.To, a.Address)
		}
	}
	if date, err := h.Date(); err == nil {
		s.Date = date
	}
	return s
}
