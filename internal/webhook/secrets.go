package webhook

import (
	"context"
	"fmt"

	"github.com/corehook/authplatform/internal/vault"
)

// VaultSecretDecrypter adapts the Secrets Vault's AEAD cipher to
// SecretDecrypter for endpoint signing secrets, which are sealed inline on
// each Endpoint row rather than stored under a named platform secret.
type VaultSecretDecrypter struct {
	Vault *vault.Vault
}

func (d VaultSecretDecrypter) DecryptEndpointSecret(_ context.Context, encrypted string) (string, error) {
	plain, err := d.Vault.Unseal(encrypted)
	if err != nil {
		return "", fmt.Errorf("webhook: decrypt endpoint secret: %w", err)
	}
	return plain, nil
}
