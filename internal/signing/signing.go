// Package signing computes and verifies the HMAC signatures attached to
// outbound webhook requests.
//
// The signed material is "<unix-seconds>.<body>", where body is the exact
// byte sequence sent on the wire. The timestamp travels in its own header so
// receivers can rebuild the material and enforce a replay window.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Scheme prefixes every signature header value.
const Scheme = "sha256="

var (
	ErrMissingHeaders   = errors.New("missing signature or timestamp")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside leeway")
	ErrMismatch         = errors.New("signature mismatch")
)

// Sign returns the signature header value for payload under secret at ts.
// An empty secret is a caller bug and panics.
func Sign(secret string, payload []byte, ts int64) string {
	if secret == "" {
		panic("signing: empty secret")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return Scheme + hex.EncodeToString(mac.Sum(nil))
}

// Timestamp formats ts the way it is sent in the timestamp header.
func Timestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

// Verify checks a received signature. tsHeader and sigHeader are the raw
// header values; leeway bounds how far the timestamp may drift from now.
func Verify(secret string, payload []byte, tsHeader, sigHeader string, now time.Time, leeway time.Duration) error {
	if tsHeader == "" || sigHeader == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if leeway > 0 {
		skew := now.Unix() - ts
		if skew < 0 {
			skew = -skew
		}
		if skew > int64(leeway.Seconds()) {
			return ErrStaleTimestamp
		}
	}
	if !strings.HasPrefix(sigHeader, Scheme) {
		return ErrMismatch
	}
	want := Sign(secret, payload, ts)
	if !hmac.Equal([]byte(sigHeader), []byte(want)) {
		return ErrMismatch
	}
	return nil
}
