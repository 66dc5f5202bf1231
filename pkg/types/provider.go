package types

// Provider identifies one of the external platforms that deliver webhooks.
type Provider string

const (
	// ProviderPayments is the payments platform (Stripe-compatible signatures).
	ProviderPayments Provider = "payments"

	// ProviderIdentity is the workforce-identity platform (WorkOS-compatible signatures).
	ProviderIdentity Provider = "identity"

	// ProviderSourceControl is the source-control platform (GitHub-compatible signatures).
	ProviderSourceControl Provider = "source-control"

	// ProviderEmail is the transactional-email platform (Svix-compatible signatures).
	ProviderEmail Provider = "email"
)

// Providers lists every supported provider in ingress-endpoint order.
var Providers = []Provider{ProviderPayments, ProviderIdentity, ProviderSourceControl, ProviderEmail}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderPayments, ProviderIdentity, ProviderSourceControl, ProviderEmail:
		return true
	}
	return false
}

func (p Provider) String() string { return string(p) }
