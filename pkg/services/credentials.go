package services

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// secretEnvPrefix namespaces resolvable secrets in the environment.
const secretEnvPrefix = "BRIGADE_SECRET_"

// EnvCredentialResolver resolves named credentials from the process
// environment. Vault-style backends would implement the same interface;
// this deployment resolves from configuration only.
type EnvCredentialResolver struct{}

// Resolve looks up BRIGADE_SECRET_<NAME> with the name upper-cased and
// non-alphanumerics folded to underscores.
func (EnvCredentialResolver) Resolve(ctx context.Context, ownerID int64, name string) (string, error) {
	key := secretEnvPrefix + sanitizeSecretName(name)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not configured", name)
	}
	return value, nil
}

// Lookup adapts the resolver to the queue's SecretSource signature.
func (r EnvCredentialResolver) Lookup(name string) (string, bool) {
	value, err := r.Resolve(context.Background(), 0, name)
	return value, err == nil
}

func sanitizeSecretName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
