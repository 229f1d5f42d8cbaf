package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultMaxSkew bounds how far a signed timestamp may be from now.
const DefaultMaxSkew = 5 * time.Minute

// Request headers carrying the signature and the signed timestamp.
const (
	HeaderSignature = "X-Sync-Signature"
	HeaderTimestamp = "X-Sync-Timestamp"
)

// ErrBadSignature is returned when a notification fails authentication.
var ErrBadSignature = errors.New("invalid webhook signature")

// Sign returns the hex HMAC-SHA256 of timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body signed at timestamp
// (RFC3339), rejecting timestamps more than maxSkew from now.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) error {
	if timestamp == "" || signature == "" {
		return errors.Join(ErrBadSignature, errors.New("missing signature headers"))
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return errors.Join(ErrBadSignature, errors.New("invalid timestamp"))
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return errors.Join(ErrBadSignature, errors.New("timestamp outside replay window"))
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(secret, timestamp, body))) {
		return errors.Join(ErrBadSignature, errors.New("signature mismatch"))
	}
	return nil
}
