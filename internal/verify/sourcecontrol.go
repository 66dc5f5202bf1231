package verify

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidehook/tidehook/pkg/types"
)

// Source-control scheme headers. The signature covers the raw body only;
// there is no timestamp — replay protection relies on the delivery id
// being idempotency-keyed downstream.
const (
	HeaderSourceSignature = "x-hub-signature-256"
	HeaderSourceEvent     = "x-github-event"
	HeaderSourceDelivery  = "x-github-delivery"
)

func (v *Verifier) verifySourceControl(rawBody []byte, h http.Header, secret string) (*Envelope, error) {
	header := h.Get(HeaderSourceSignature)
	if header == "" {
		return nil, fmt.Errorf("missing %s header: %w", HeaderSourceSignature, ErrMalformedHeader)
	}

	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return nil, fmt.Errorf("signature missing sha256= prefix: %w", ErrMalformedHeader)
	}
	decoded, err := hex.DecodeString(hexSig)
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", ErrMalformedHeader)
	}

	if !macEqual(decoded, signHMAC(secret, rawBody)) {
		return nil, fmt.Errorf("source-control signature mismatch: %w", ErrInvalidSignature)
	}

	delivery := h.Get(HeaderSourceDelivery)
	evType := h.Get(HeaderSourceEvent)
	if delivery == "" {
		return nil, fmt.Errorf("missing %s header: %w", HeaderSourceDelivery, ErrMalformedHeader)
	}
	if evType == "" {
		return nil, fmt.Errorf("missing %s header: %w", HeaderSourceEvent, ErrMalformedHeader)
	}

	return &Envelope{
		Provider:  types.ProviderSourceControl,
		EventID:   delivery,
		EventType: evType,
		Payload:   rawBody,
		Signature: header,
	}, nil
}
