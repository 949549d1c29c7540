package credential

import "github.com/corehook/authplatform/internal/vault"

// VaultCipher adapts the Secrets Vault's string-oriented Seal/Unseal to the
// byte-slice Cipher the JWKS Rotator expects for its private-key halves.
type VaultCipher struct {
	Vault *vault.Vault
}

func (c VaultCipher) Encrypt(plaintext []byte) ([]byte, error) {
	sealed, err := c.Vault.Seal(string(plaintext))
	if err != nil {
		return nil, err
	}
	return []byte(sealed), nil
}

func (c VaultCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	plain, err := c.Vault.Unseal(string(ciphertext))
	if err != nil {
		return nil, err
	}
	return []byte(plain), nil
}
