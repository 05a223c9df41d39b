package ai

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxSignatureAge bounds how stale a webhook timestamp may be. Replays
// older than this are rejected even with a valid signature.
const maxSignatureAge = 30 * time.Minute

// VerifyWebhookSignature checks a post-call webhook against the
// platform's signing scheme. The header carries "t=<unix>,v0=<hex>"
// where the hex digest is HMAC-SHA256(secret, "<unix>.<body>").
func VerifyWebhookSignature(secret, header string, body []byte, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}

	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v0="):
			sigPart = strings.TrimPrefix(part, "v0=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", err)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSignatureAge || age < -maxSignatureAge {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigPart)) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
