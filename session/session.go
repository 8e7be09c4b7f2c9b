// Package session defines the interface the core consumes to obtain
// per-connection vendor credentials. The real issuer — which owns
// TOTP generation and the user's stored API credentials — is an
// external collaborator (spec.md §1); this package only declares the
// contract and a reference implementation good enough to dial against
// in tests and small deployments.
package session

import "context"

// Credentials are the four headers a streaming dial needs
// (spec.md §6).
type Credentials struct {
	JWT        string
	APIKey     string
	ClientCode string
	FeedToken  string
}

// Issuer obtains a fresh set of credentials. Connection calls this on
// every (re)dial so a rotated JWT is always used, per spec.md §4.2's
// reconnect policy ("each reconnect obtains a fresh session from the
// external issuer").
type Issuer interface {
	Obtain(ctx context.Context) (Credentials, error)
}
