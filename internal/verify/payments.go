package verify

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tidehook/tidehook/pkg/types"
)

// HeaderPaymentsSignature carries the payments scheme signature:
// "t=<unix-seconds>,v1=<hex-hmac>[,v1=...]". The signed message is
// "<t>.<rawBody>".
const HeaderPaymentsSignature = "stripe-signature"

func (v *Verifier) verifyPayments(rawBody []byte, h http.Header, secret string) (*Envelope, error) {
	header := h.Get(HeaderPaymentsSignature)
	if header == "" {
		return nil, fmt.Errorf("missing %s header: %w", HeaderPaymentsSignature, ErrMalformedHeader)
	}

	ts, sigs, err := parseSignedHeader(header)
	if err != nil {
		return nil, err
	}

	expected := signHMAC(secret, []byte(strconv.FormatInt(ts, 10)+"."+string(rawBody)))
	if !anyHexMatch(sigs, expected) {
		return nil, fmt.Errorf("payments signature mismatch: %w", ErrInvalidSignature)
	}

	if err := v.checkFreshness(time.Unix(ts, 0)); err != nil {
		return nil, err
	}

	id := gjson.GetBytes(rawBody, "id").String()
	evType := gjson.GetBytes(rawBody, "type").String()
	if id == "" || evType == "" {
		return nil, fmt.Errorf("payments event missing id or type: %w", ErrMalformedBody)
	}

	return &Envelope{
		Provider:  types.ProviderPayments,
		EventID:   id,
		EventType: evType,
		Payload:   rawBody,
		Signature: header,
	}, nil
}

// parseSignedHeader splits a "t=<ts>,v1=<hex>[, v1=<hex>...]" header into
// the timestamp and candidate signatures. Unknown fields are ignored for
// forward compatibility.
func parseSignedHeader(header string) (int64, []string, error) {
	var (
		ts   int64
		seen bool
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return 0, nil, fmt.Errorf("malformed field %q: %w", part, ErrMalformedHeader)
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("malformed timestamp %q: %w", value, ErrMalformedHeader)
			}
			ts, seen = n, true
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if !seen || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("header missing t or v1 field: %w", ErrMalformedHeader)
	}
	return ts, sigs, nil
}

// anyHexMatch reports whether any hex-encoded candidate equals the
// expected MAC. Every candidate is compared in constant time.
func anyHexMatch(candidates []string, expected []byte) bool {
	match := false
	for _, c := range candidates {
		decoded, err := hex.DecodeString(c)
		if err != nil {
			continue
		}
		if macEqual(decoded, expected) {
			match = true
		}
	}
	return match
}
