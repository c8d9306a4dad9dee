// Package signature verifies the authenticity and freshness of inbound
// billing webhooks. All functions work on the raw request bytes and have no
// side effects.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingSignature is returned when the request carries no credentials
	ErrMissingSignature = errors.New("missing signature")

	// ErrMalformedSignature is returned when the signature header cannot be parsed
	ErrMalformedSignature = errors.New("malformed signature header")

	// ErrSignatureMismatch is returned when the token or digest does not match
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrTimestampOutsideWindow is returned for signed requests outside the replay window
	ErrTimestampOutsideWindow = errors.New("signature timestamp outside replay window")
)

const bearerPrefix = "bearer "

// VerifyBearer checks an "Authorization: Bearer <token>" header value against
// secret in constant time. An empty secret never verifies.
func VerifyBearer(authHeader string, secret []byte) error {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" || strings.EqualFold(authHeader, strings.TrimSpace(bearerPrefix)) {
		return ErrMissingSignature
	}
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ErrMalformedSignature
	}
	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return ErrMissingSignature
	}
	if len(secret) == 0 || subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ParseTimestamped parses a "ts=<unix-seconds>;h1=<hex>" header. Several h1
// values may be present while a secret is being rotated.
func ParseTimestamped(header string) (int64, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, ErrMissingSignature
	}

	var (
		ts      int64
		haveTS  bool
		digests []string
	)
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("%w: %q", ErrMalformedSignature, part)
		}
		switch strings.TrimSpace(k) {
		case "ts":
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid ts", ErrMalformedSignature)
			}
			ts, haveTS = n, true
		case "h1":
			if d := strings.TrimSpace(v); d != "" {
				digests = append(digests, d)
			}
		}
	}
	if !haveTS {
		return 0, nil, fmt.Errorf("%w: missing ts", ErrMalformedSignature)
	}
	if len(digests) == 0 {
		return 0, nil, fmt.Errorf("%w: missing h1", ErrMalformedSignature)
	}
	return ts, digests, nil
}

// VerifyTimestamped checks a timestamped HMAC-SHA256 header over "<ts>:<body>".
// The replay window is checked first, so a stale request is rejected even if
// its digest is valid.
func VerifyTimestamped(header string, body, secret []byte, now time.Time, window time.Duration) error {
	ts, digests, err := ParseTimestamped(header)
	if err != nil {
		return err
	}

	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("%w: skew %s exceeds %s", ErrTimestampOutsideWindow, skew.Truncate(time.Second), window)
	}
	if len(secret) == 0 {
		return ErrSignatureMismatch
	}

	expected := computeDigest(secret, ts, body)
	for _, d := range digests {
		got, err := hex.DecodeString(d)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SignTimestamped produces a header value for body signed at ts.
func SignTimestamped(secret, body []byte, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("ts=%d;h1=%s", unix, hex.EncodeToString(computeDigest(secret, unix, body)))
}

func computeDigest(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return mac.Sum(nil)
}
