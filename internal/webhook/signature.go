package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	timestampKey = "t"
	signatureKey = "v1"
)

// SignatureHeader is the parsed form of a `t=<unix>,v1=<hex>` header.
type SignatureHeader struct {
	Timestamp int64
	// Signatures holds every v1 value present; providers send more than one while rotating secrets.
	Signatures []string
}

// ParseSignatureHeader splits header on commas and each pair on its first '='. Unknown keys are ignored.
func ParseSignatureHeader(header string) (SignatureHeader, error) {
	var (
		parsed       SignatureHeader
		hasTimestamp bool
	)
	if strings.TrimSpace(header) == "" {
		return parsed, newError(KindMalformedHeader, "signature header is empty")
	}
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return SignatureHeader{}, newError(KindMalformedHeader, "header segment %q has no '='", truncate(pair, 32))
		}
		switch key {
		case timestampKey:
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return SignatureHeader{}, newError(KindMalformedHeader, "timestamp is not an integer")
			}
			parsed.Timestamp = ts
			hasTimestamp = true
		case signatureKey:
			parsed.Signatures = append(parsed.Signatures, value)
		}
	}
	if !hasTimestamp {
		return SignatureHeader{}, newError(KindMalformedHeader, "header has no %q value", timestampKey)
	}
	if len(parsed.Signatures) == 0 {
		return SignatureHeader{}, newError(KindMalformedHeader, "header has no %q value", signatureKey)
	}
	return parsed, nil
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of "{timestamp}.{payload}" keyed by secret.
func ComputeSignature(payload []byte, timestamp int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader builds a header value the verifier accepts for payload signed at ts.
func SignHeader(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return timestampKey + "=" + strconv.FormatInt(unix, 10) + "," + signatureKey + "=" + ComputeSignature(payload, unix, secret)
}

// Verifier authenticates raw payloads against the shared signing secret.
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	// Insecure skips verification when no secret is configured. Configuration refuses it in production.
	Insecure bool
	Now      func() time.Time
}

// Verify checks header against payload. It performs no I/O.
func (v Verifier) Verify(payload []byte, header string) error {
	if v.Secret == "" {
		if v.Insecure {
			return nil
		}
		return newError(KindConfiguration, "signing secret is not configured")
	}
	parsed, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}

	expected := []byte(ComputeSignature(payload, parsed.Timestamp, v.Secret))
	matched := false
	for _, candidate := range parsed.Signatures {
		if subtle.ConstantTimeCompare(expected, []byte(strings.ToLower(candidate))) == 1 {
			matched = true
		}
	}
	if !matched {
		return newError(KindSignatureMismatch, "no v1 signature matches the payload")
	}

	if v.Tolerance > 0 {
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		age := now().Sub(time.Unix(parsed.Timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > v.Tolerance {
			return newError(KindStaleTimestamp, "timestamp is outside the %s tolerance", v.Tolerance)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
