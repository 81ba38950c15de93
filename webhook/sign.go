package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureVersion prefixes every signature so the scheme can evolve.
const signatureVersion = "v1"

// TimestampTolerance bounds how old a signed timestamp may be before
// verification rejects it. Bounds replay of captured deliveries.
const TimestampTolerance = 5 * time.Minute

// Sign computes the delivery signature over timestamp and body:
// v1=hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the shared secret. The
// timestamp is the unix-seconds value from the signature header; deliveries
// older than the tolerance are rejected even when the MAC matches.
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp: %w", err)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > TimestampTolerance || age < -TimestampTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}
	if !strings.HasPrefix(signature, signatureVersion+"=") {
		return fmt.Errorf("unsupported signature version")
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
