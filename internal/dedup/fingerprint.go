package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"multillm-api/internal/shared"
)

// fingerprintLen is the number of hex characters kept from the digest. The
// key is already scoped by user id, so a truncated digest keeps keys compact
// without meaningful collision risk.
const fingerprintLen = 16

// Request describes one chat call for deduplication purposes.
type Request struct {
	UserID   string
	Provider string
	Messages []shared.ChatMessage
	Options  shared.GenerationOptions

	// CallerID is an optional diagnostic tag recorded on the in-flight entry.
	CallerID string
}

// Fingerprint computes the deduplication key for a request: a SHA-256 digest
// over the provider, the normalized message list (role + trimmed content) and
// the output-affecting generation options, scoped by user id. Two requests
// with the same fingerprint are treated as semantically identical.
func Fingerprint(req Request) string {
	h := sha256.New()

	io.WriteString(h, req.Provider)
	io.WriteString(h, "\x1e")
	for _, m := range req.Messages {
		io.WriteString(h, m.Role)
		io.WriteString(h, "\x1f")
		io.WriteString(h, strings.TrimSpace(m.Content))
		io.WriteString(h, "\x1e")
	}

	io.WriteString(h, req.Options.Model)
	io.WriteString(h, "\x1f")
	io.WriteString(h, formatFloat(req.Options.Temperature))
	io.WriteString(h, "\x1f")
	io.WriteString(h, formatInt(req.Options.MaxTokens))
	io.WriteString(h, "\x1f")
	io.WriteString(h, formatFloat(req.Options.TopP))
	io.WriteString(h, "\x1f")
	io.WriteString(h, formatFloat(req.Options.FrequencyPenalty))
	io.WriteString(h, "\x1f")
	io.WriteString(h, formatFloat(req.Options.PresencePenalty))

	sum := h.Sum(nil)
	return req.UserID + ":" + hex.EncodeToString(sum)[:fingerprintLen]
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func formatInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
