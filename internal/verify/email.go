package verify

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tidehook/tidehook/pkg/types"
)

// Email scheme headers (Svix-compatible). The signed message is
// "<svix-id>.<svix-timestamp>.<rawBody>"; the signature header holds a
// space-separated list of "v1,<base64-hmac>" entries so keys can rotate.
const (
	HeaderEmailID        = "svix-id"
	HeaderEmailTimestamp = "svix-timestamp"
	HeaderEmailSignature = "svix-signature"
)

func (v *Verifier) verifyEmail(rawBody []byte, h http.Header, secret string) (*Envelope, error) {
	id := h.Get(HeaderEmailID)
	tsRaw := h.Get(HeaderEmailTimestamp)
	header := h.Get(HeaderEmailSignature)
	if id == "" || tsRaw == "" || header == "" {
		return nil, fmt.Errorf("missing svix headers: %w", ErrMalformedHeader)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed svix-timestamp %q: %w", tsRaw, ErrMalformedHeader)
	}

	expected := signHMAC(secret, []byte(id+"."+tsRaw+"."+string(rawBody)))

	// Any one matching signature is accepted. All candidates are compared.
	match := false
	for _, entry := range strings.Fields(header) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if macEqual(decoded, expected) {
			match = true
		}
	}
	if !match {
		return nil, fmt.Errorf("email signature mismatch: %w", ErrInvalidSignature)
	}

	if err := v.checkFreshness(time.Unix(ts, 0)); err != nil {
		return nil, err
	}

	evType := gjson.GetBytes(rawBody, "type").String()
	if evType == "" {
		return nil, fmt.Errorf("email event missing type: %w", ErrMalformedBody)
	}

	return &Envelope{
		Provider:  types.ProviderEmail,
		EventID:   id,
		EventType: evType,
		Payload:   rawBody,
		Signature: header,
	}, nil
}
