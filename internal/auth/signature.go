// Package auth implements the shared-secret request signing scheme used by
// the control plane. Requests are signed with HMAC-SHA256 over a canonical
// string of timestamp, method, path, and body hash.
package auth

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

// DefaultTimestampTolerance is the maximum allowed clock skew between the
// caller's X-Timestamp header and the server clock.
const DefaultTimestampTolerance = 300 * time.Second

// Credentials holds the API key pair shared with control-plane callers.
// Empty key or secret puts the server in unauthenticated development mode.
type Credentials struct {
	Key    string
	Secret string
}

// DevMode reports whether authentication enforcement is disabled.
func (c Credentials) DevMode() bool {
	return c.Key == "" || c.Secret == ""
}

// canonical builds the string that is signed:
//
//	<timestamp>\n<METHOD>\n<path>\n<sha256hex(body)>
//
// The body hash is computed over the empty string when body is nil.
func canonical(method, path string, body []byte, timestamp string) string {
	bodyHash := sha256.Sum256(body)
	return timestamp + "\n" +
		strings.ToUpper(method) + "\n" +
		path + "\n" +
		hex.EncodeToString(bodyHash[:])
}

// Sign computes the lowercase-hex HMAC-SHA256 signature for a request.
func Sign(method, path string, body []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(method, path, body, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the expected signature and compares it to the provided
// one in constant time. It returns false on any malformed input and never
// panics.
func Verify(method, path string, body []byte, timestamp, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(Sign(method, path, body, timestamp, secret))
	if err != nil {
		return false
	}
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(provided, expected) == 1
}

// TimestampFresh reports whether ts (unix seconds, decimal string) is within
// tolerance of the current wall clock. A zero tolerance means the default.
func TimestampFresh(ts string, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Now().Unix() - seconds
	if skew < 0 {
		skew = -skew
	}
	return time.Duration(skew)*time.Second <= tolerance
}

// ParseTimestamp validates that ts is a decimal unix timestamp. It is split
// out from TimestampFresh so the middleware can distinguish "malformed" from
// "expired" in its error codes.
func ParseTimestamp(ts string) (int64, error) {
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return seconds, nil
}
