package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// ServiceTokenWindow is how far a service token's timestamp may drift from
// the validator's clock in either direction.
const ServiceTokenWindow = 5 * time.Minute

// GenerateServiceToken mints a time-bounded bearer token for
// service-to-service calls: "<ms-ts>.<hex-sig>" where the signature is
// HMAC-SHA-256 of the millisecond timestamp under the shared secret.
func GenerateServiceToken(secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	return ts + "." + hex.EncodeToString(mac.Sum(nil))
}

// ValidateServiceToken checks a bearer token against the shared secret.
// The embedded timestamp must be within ServiceTokenWindow of now; the
// signature comparison is constant-time.
func ValidateServiceToken(secret, token string, now time.Time) bool {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := now.UnixMilli() - ms
	if drift < 0 {
		drift = -drift
	}
	if drift > ServiceTokenWindow.Milliseconds() {
		return false
	}
	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	return hmac.Equal(decoded, mac.Sum(nil))
}
