// Package crypto provides the HMAC request signing used to authenticate
// webhook queue ingress requests and outbound delivery payloads.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSign generates an HMAC-SHA256 signature.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify verifies an HMAC-SHA256 signature in constant time.
func HMACVerify(key, data, signature []byte) bool {
	return hmac.Equal(signature, HMACSign(key, data))
}
