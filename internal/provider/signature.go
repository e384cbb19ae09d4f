package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/formaplace/checkout/internal/domain/billing"
)

// Tolerance is how far a webhook timestamp may drift from local time before
// the delivery is rejected as a possible replay.
const Tolerance = 5 * time.Minute

// SignHeader computes the signature header for a payload, for tests and for
// simulating the provider: "t=<unix>,v1=<hex hmac-sha256 of t.body>".
func SignHeader(secret []byte, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates a webhook delivery against the shared
// secret. It must be called on the raw body before any event is parsed; on
// failure the caller rejects the request with no side effects.
func VerifySignature(secret []byte, header string, body []byte, now time.Time) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > Tolerance {
		return errors.Wrap(billing.ErrSignatureInvalid, "timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return errors.Wrap(billing.ErrSignatureInvalid, "malformed signature")
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return billing.ErrSignatureInvalid
	}
	return nil
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", errors.Wrap(billing.ErrSignatureInvalid, "malformed timestamp")
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", errors.Wrap(billing.ErrSignatureInvalid, "missing signature fields")
	}
	return ts, sig, nil
}
