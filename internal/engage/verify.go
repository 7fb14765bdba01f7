package engage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// SignatureWindow bounds how far a webhook timestamp may drift before the
// request is rejected as a possible replay.
const SignatureWindow = 5 * time.Minute

// VerifySignature checks the HMAC-SHA256 signature over "<ts>.<body>" that
// providers attach to webhook deliveries.
func VerifySignature(secret, timestampHeader, signatureHeader string, body []byte, now time.Time) error {
	tsHeader := strings.TrimSpace(timestampHeader)
	sigHeader := strings.TrimSpace(signatureHeader)

	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	// Replay protection
	now = now.UTC()
	if ts.Before(now.Add(-SignatureWindow)) || ts.After(now.Add(SignatureWindow)) {
		return ErrTimestampOutsideWindow
	}

	providedSig, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	expectedSig := signPayload(secret, tsHeader, body)
	if !hmac.Equal(providedSig, expectedSig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignHex computes the hex signature for "<ts>.<body>"
func SignHex(secret, timestampHeader string, body []byte) string {
	return hex.EncodeToString(signPayload(secret, timestampHeader, body))
}

func signPayload(secret, timestampHeader string, body []byte) []byte {
	msg := make([]byte, 0, len(timestampHeader)+1+len(body))
	msg = append(msg, []byte(timestampHeader)...)
	msg = append(msg, '.')
	msg = append(msg, body...)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}
