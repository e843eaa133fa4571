// Package security checks the authenticity of fetched messages.
package security

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/fenilsonani/imap-engine/internal/logging"
)

// DKIM result values, as used in Authentication-Results.
const (
	DKIMPass      = "pass"
	DKIMFail      = "fail"
	DKIMNone      = "none"
	DKIMTempError = "temperror"
	DKIMPermError = "permerror"
)

// DKIMResult is the outcome for one DKIM-Signature header.
type DKIMResult struct {
	Domain     string `json:"domain" yaml:"domain"`
	Identifier string `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Status     string `json:"status" yaml:"status"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// maxSignatures bounds the signatures checked per message.
const maxSignatures = 5

// DKIMVerifier verifies DKIM signatures of raw messages.
type DKIMVerifier struct {
	lookupTXT func(ctx context.Context, domain string) ([]string, error)
	logger    *logging.Logger
}

// NewDKIMVerifier returns a verifier that resolves keys through DNS.
func NewDKIMVerifier(logger *logging.Logger) *DKIMVerifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &DKIMVerifier{
		lookupTXT: net.DefaultResolver.LookupTXT,
		logger:    logger.Storage(),
	}
}

// WithLookup replaces the key lookup, for offline checks.
func (v *DKIMVerifier) WithLookup(lookup func(ctx context.Context, domain string) ([]string, error)) *DKIMVerifier {
	v.lookupTXT = lookup
	return v
}

// Verify checks every DKIM-Signature of raw. A message without signatures
// yields a single "none" result.
func (v *DKIMVerifier) Verify(ctx context.Context, raw []byte) ([]DKIMResult, error) {
	opts := &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return v.lookupTXT(ctx, domain)
		},
		MaxVerifications: maxSignatures,
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), opts)
	if err != nil {
		return nil, fmt.Errorf("dkim verification failed: %w", err)
	}
	if len(verifications) == 0 {
		return []DKIMResult{{Status: DKIMNone}}, nil
	}

	results := make([]DKIMResult, 0, len(verifications))
	for _, ver := range verifications {
		r := DKIMResult{Domain: ver.Domain, Identifier: ver.Identifier, Status: DKIMPass}
		switch {
		case ver.Err == nil:
		case dkim.IsTempFail(ver.Err):
			r.Status = DKIMTempError
			r.Reason = ver.Err.Error()
		case dkim.IsPermFail(ver.Err):
			r.Status = DKIMPermError
			r.Reason = ver.Err.Error()
		default:
			r.Status = DKIMFail
			r.Reason = ver.Err.Error()
		}
		v.logger.Debug("dkim signature checked", "domain", r.Domain, "status", r.Status)
		results = append(results, r)
	}
	return results, nil
}

// Summarize folds results into one verdict: pass if any signature passed,
// otherwise the first non-pass status.
func Summarize(results []DKIMResult) string {
	if len(results) == 0 {
		return DKIMNone
	}
	for _, r := range results {
		if r.Status == DKIMPass {
			return DKIMPass
		}
	}
	return results[0].Status
}

// FormatResults renders results like an Authentication-Results clause.
func FormatResults(results []DKIMResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Domain == "" {
			parts = append(parts, "dkim="+r.Status)
			continue
		}
		parts = append(parts, fmt.Sprintf("dkim=%s header.d=%s", r.Status, r.Domain))
	}
	return strings.Join(parts, "; ")
}
