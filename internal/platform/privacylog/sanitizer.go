// Package privacylog keeps remittance secrets out of logs: collection codes
// and key material are redacted, account addresses are fingerprinted.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type action uint8

const (
	keep action = iota
	redact
	fingerprint
)

var (
	// Salted per process so fingerprints correlate lines of one run only.
	processSalt = rand.Text()

	// Account addresses are public on the ledger but tie a log line to a person.
	accountKeys = map[string]struct{}{
		"account":   {},
		"sender":    {},
		"from":      {},
		"client_id": {},
	}
	secretKeyParts = []string{
		"token",
		"secret",
		"password",
		"passphrase",
		"authorization",
		"auth",
		"private_key",
		"signer_key",
		"agent_code",
		"receiver_code",
	}
)

func classify(key string) action {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return redact
		}
	}
	if _, ok := accountKeys[key]; ok {
		return fingerprint
	}
	return keep
}

// SanitizingHandler rewrites attributes before they reach the wrapped handler.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts or fingerprints attr by key. LogValuer values are
// resolved first and groups are walked recursively.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	value := attr.Value.Resolve()
	switch classify(attr.Key) {
	case redact:
		return slog.String(attr.Key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKey(attr.Key), FingerprintID(value.String()))
	}
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(sanitizeAll(value.Group())...)}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

// FingerprintID maps an account to a short per-process token. Hex addresses
// are compared case-insensitively so checksummed and lower-case forms match.
func FingerprintID(value string) string {
	normalized := strings.TrimSpace(value)
	if normalized == "" {
		return ""
	}
	if strings.HasPrefix(normalized, "0x") || strings.HasPrefix(normalized, "0X") {
		normalized = "0x" + strings.ToLower(normalized[2:])
	}
	sum := sha256.Sum256([]byte(processSalt + "|" + normalized))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = SanitizeAttr(attr)
	}
	return out
}

func fingerprintKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}
