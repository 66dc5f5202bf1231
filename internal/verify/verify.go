/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package verify authenticates raw webhook payloads against the four
// provider signature schemes and produces the canonical event envelope.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidehook/tidehook/pkg/types"
)

// Verification failure kinds. Callers route HTTP status codes off these.
var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrReplayTooOld     = errors.New("replay_too_old")
	ErrMalformedHeader  = errors.New("malformed_header")
	ErrMalformedBody    = errors.New("malformed_body")
)

// Envelope is the canonical parsed event produced by verification.
// Payload holds the exact bytes that were signed.
type Envelope struct {
	Provider  types.Provider
	EventID   string
	EventType string
	Payload   []byte
	Signature string
}

// Verifier validates provider signatures and freshness.
type Verifier struct {
	secrets   map[types.Provider]string
	tolerance time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Verifier. A provider whose secret is empty is disabled;
// Verify returns ErrInvalidSignature for it without touching the payload.
func New(secrets map[types.Provider]string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secrets:   secrets,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Enabled reports whether a provider has a signing key configured.
func (v *Verifier) Enabled(p types.Provider) bool {
	return v.secrets[p] != ""
}

// Verify authenticates rawBody against the provider's scheme using the
// request headers, returning the canonical envelope on success.
func (v *Verifier) Verify(p types.Provider, rawBody []byte, h http.Header) (*Envelope, error) {
	secret := v.secrets[p]
	if secret == "" {
		return nil, fmt.Errorf("provider %s disabled: %w", p, ErrInvalidSignature)
	}

	switch p {
	case types.ProviderPayments:
		return v.verifyPayments(rawBody, h, secret)
	case types.ProviderIdentity:
		return v.verifyIdentity(rawBody, h, secret)
	case types.ProviderSourceControl:
		return v.verifySourceControl(rawBody, h, secret)
	case types.ProviderEmail:
		return v.verifyEmail(rawBody, h, secret)
	}
	return nil, fmt.Errorf("unknown provider %q: %w", p, ErrMalformedHeader)
}

// signHMAC computes HMAC-SHA-256(secret, msg).
func signHMAC(secret string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}

// macEqual compares two MACs in constant time. Never short-circuits on
// the first unequal byte.
func macEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// checkFreshness rejects timestamps whose skew from now exceeds the
// tolerance. Skew exactly at the tolerance is accepted.
func (v *Verifier) checkFreshness(ts time.Time) error {
	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("timestamp skew %s exceeds tolerance %s: %w", skew, v.tolerance, ErrReplayTooOld)
	}
	return nil
}
