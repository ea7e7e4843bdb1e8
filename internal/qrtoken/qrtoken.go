// Package qrtoken implements the rotating attendance token shown to students
// as a QR code. Tokens are never stored: any replica can recompute the valid
// token for a session from the session's secret and the current wall clock.
package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultRotationSeconds is the rotation interval used when a session does not
// configure its own.
const DefaultRotationSeconds = 30

// Token is an issued rotating token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Bucket returns the epoch bucket for now given a rotation interval.
func Bucket(now time.Time, rotation time.Duration) int64 {
	return now.Unix() / int64(rotation.Seconds())
}

// sign computes HMAC-SHA256(secret, sessionID || "." || bucket) in hex.
func sign(secret []byte, sessionID string, bucket int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(sessionID))
	mac.Write([]byte("."))
	mac.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue computes the token for the current epoch bucket. The token string
// carries the bucket number so a validator can see which slice it claims,
// never the secret itself.
func Issue(sessionID string, secret []byte, rotation time.Duration, now time.Time) Token {
	b := Bucket(now, rotation)
	return Token{
		Value:     strconv.FormatInt(b, 10) + "." + sign(secret, sessionID, b),
		ExpiresAt: time.Unix((b+1)*int64(rotation.Seconds()), 0).UTC(),
	}
}

// Verify reports whether presented is the token for the session's *current*
// bucket. Tokens from past or future buckets fail even if their signature is
// genuine; there is no grace window. The signature comparison is
// constant-time.
func Verify(sessionID string, secret []byte, rotation time.Duration, presented string, now time.Time) bool {
	dot := strings.IndexByte(presented, '.')
	if dot <= 0 || dot == len(presented)-1 {
		return false
	}
	bucket, err := strconv.ParseInt(presented[:dot], 10, 64)
	if err != nil {
		return false
	}
	if bucket != Bucket(now, rotation) {
		return false
	}
	expected := sign(secret, sessionID, bucket)
	return hmac.Equal([]byte(expected), []byte(presented[dot+1:]))
}
