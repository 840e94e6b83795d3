// Package inject stamps decrypted service credentials onto outbound request
// headers. Plaintext credentials exist only transiently inside this package
// and the vault; they are never returned to callers, logged, or audited.
package inject

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/agentgate/agentgate/pkg/apihttp"
	"github.com/agentgate/agentgate/pkg/store"
	"github.com/agentgate/agentgate/pkg/vault"
)

// CredentialSource reads the encrypted credentials of a service.
type CredentialSource interface {
	CredentialsForService(ctx context.Context, serviceID int64) ([]store.Credential, error)
}

// Injector decrypts and applies credentials according to a service's
// declared auth kind.
type Injector struct {
	vault *vault.Vault
	creds CredentialSource
}

// New creates an Injector.
func New(v *vault.Vault, creds CredentialSource) *Injector {
	return &Injector{vault: v, creds: creds}
}

// errUnavailable is what every missing-credential and decrypt failure maps
// to; the caller must never learn which credential was at fault beyond its
// absence.
func errUnavailable(detail string) error {
	return fmt.Errorf("%s: %w", detail, apihttp.Internal("service credentials unavailable"))
}

// Inject returns a copy of headers with authentication stamped for svc.
// The input map is never mutated.
func (in *Injector) Inject(ctx context.Context, svc *store.Service, headers map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}

	creds, err := in.creds.CredentialsForService(ctx, svc.ID)
	if err != nil {
		return nil, errUnavailable("read credentials")
	}

	plain := make(map[string]string, len(creds))
	for _, c := range creds {
		value, err := in.vault.Decrypt(c.Ciphertext)
		if err != nil {
			return nil, errUnavailable("decrypt credential")
		}
		plain[c.Name] = string(value)
	}

	switch svc.AuthKind {
	case store.AuthBearer:
		token, ok := plain["token"]
		if !ok {
			return nil, errUnavailable("bearer: missing token")
		}
		out["Authorization"] = "Bearer " + token

	case store.AuthOAuth2:
		token, ok := plain["access_token"]
		if !ok {
			return nil, errUnavailable("oauth2: missing access_token")
		}
		out["Authorization"] = "Bearer " + token

	case store.AuthBasic:
		user, okU := plain["username"]
		pass, okP := plain["password"]
		if !okU || !okP {
			return nil, errUnavailable("basic: missing username or password")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		out["Authorization"] = "Basic " + encoded

	case store.AuthAPIKey:
		if err := stampAPIKey(out, plain); err != nil {
			return nil, err
		}

	default:
		return nil, errUnavailable("unknown auth kind")
	}

	return out, nil
}

// stampAPIKey sets the credential as a named header. A credential called
// api_key falls back to the X-API-Key header; a single credential of any
// other name is stamped verbatim as <name>: <value>.
func stampAPIKey(out map[string]string, plain map[string]string) error {
	if value, ok := plain["api_key"]; ok {
		out["X-API-Key"] = value
		return nil
	}
	if len(plain) != 1 {
		return errUnavailable("apiKey: expected exactly one credential")
	}
	for name, value := range plain {
		out[http.CanonicalHeaderKey(name)] = value
	}
	return nil
}
