package verify

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tidehook/tidehook/pkg/types"
)

// HeaderIdentitySignature carries the identity scheme signature:
// "t=<unix-ms>, v1=<hex-hmac>". The signed message is "<t>.<rawBody>".
const HeaderIdentitySignature = "workos-signature"

func (v *Verifier) verifyIdentity(rawBody []byte, h http.Header, secret string) (*Envelope, error) {
	header := h.Get(HeaderIdentitySignature)
	if header == "" {
		return nil, fmt.Errorf("missing %s header: %w", HeaderIdentitySignature, ErrMalformedHeader)
	}

	ts, sigs, err := parseSignedHeader(header)
	if err != nil {
		return nil, err
	}

	expected := signHMAC(secret, []byte(strconv.FormatInt(ts, 10)+"."+string(rawBody)))
	if !anyHexMatch(sigs, expected) {
		return nil, fmt.Errorf("identity signature mismatch: %w", ErrInvalidSignature)
	}

	// Identity timestamps are unix milliseconds.
	if err := v.checkFreshness(time.UnixMilli(ts)); err != nil {
		return nil, err
	}

	id := gjson.GetBytes(rawBody, "id").String()
	evType := gjson.GetBytes(rawBody, "event").String()
	if id == "" || evType == "" {
		return nil, fmt.Errorf("identity event missing id or event: %w", ErrMalformedBody)
	}

	return &Envelope{
		Provider:  types.ProviderIdentity,
		EventID:   id,
		EventType: evType,
		Payload:   rawBody,
		Signature: header,
	}, nil
}
