package plugman

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/compasproject/compas/core/hashx"
)

// Embedded trust roots: SPKI PEM keys whose signatures the manager accepts.
// The matching key's SPKI point digest becomes the recorded key_id.
var officialRegistryPubKeyPEMs = []string{
	`-----BEGIN PUBLIC KEY-----
MFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAExWXyUnb9j+0nAopQJWPU2JObKitu
fNacvZOK6C4P/AeUOQc0PmK3rSrm/NRII6pCRssOC65QTbt+0zi0dzySwQ==
-----END PUBLIC KEY-----
`,
}

func parseECDSAPublicKeyPEM(pubkeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubkeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse SPKI public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return key, nil
}

// KeyID is the sha256 hex of the key's uncompressed SEC1 point.
func KeyID(key *ecdsa.PublicKey) (string, error) {
	ecdhKey, err := key.ECDH()
	if err != nil {
		return "", fmt.Errorf("encode public key point: %w", err)
	}
	return hashx.SHA256Hex(ecdhKey.Bytes()), nil
}

// VerifyCosignBlobSignature checks a base64 DER ECDSA-P-256 signature over
// sha256 of the exact manifest bytes (cosign sign-blob semantics) against a
// single key, returning the matching key id.
func VerifyCosignBlobSignature(manifestBytes []byte, signatureB64, pubkeyPEM string) (string, error) {
	key, err := parseECDSAPublicKeyPEM(pubkeyPEM)
	if err != nil {
		return "", err
	}
	raw := strings.TrimSpace(signatureB64)
	if raw == "" {
		return "", fmt.Errorf("empty signature")
	}
	sigDER, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("base64-decode signature: %w", err)
	}
	digest := sha256.Sum256(manifestBytes)
	if !ecdsa.VerifyASN1(key, digest[:], sigDER) {
		return "", fmt.Errorf("invalid manifest signature")
	}
	return KeyID(key)
}

// VerifyAgainstKeyring accepts the signature if any keyring entry verifies.
func VerifyAgainstKeyring(manifestBytes []byte, signatureB64 string, keyring []string) (string, error) {
	if len(keyring) == 0 {
		keyring = officialRegistryPubKeyPEMs
	}
	var lastErr error
	for _, pubkeyPEM := range keyring {
		keyID, err := VerifyCosignBlobSignature(manifestBytes, signatureB64, pubkeyPEM)
		if err == nil {
			return keyID, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no trust root verified the manifest signature: %w", lastErr)
}
