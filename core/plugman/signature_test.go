package plugman

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func generateSigningKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki}))
	return key, pubPEM
}

func signBlob(t *testing.T, key *ecdsa.PrivateKey, blob []byte) string {
	t.Helper()
	digest := sha256.Sum256(blob)
	sigDER, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sigDER)
}

func TestVerifyCosignBlobSignature(t *testing.T) {
	key, pubPEM := generateSigningKey(t)
	manifest := []byte(`{"schema":"compas.registry.manifest.v1"}`)
	signature := signBlob(t, key, manifest)

	keyID, err := VerifyCosignBlobSignature(manifest, signature, pubPEM)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(keyID) != 64 {
		t.Fatalf("key id = %q", keyID)
	}

	wantKeyID, err := KeyID(&key.PublicKey)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}
	if keyID != wantKeyID {
		t.Fatalf("key id mismatch: %s vs %s", keyID, wantKeyID)
	}
}

func TestVerifyRejectsTamperedManifest(t *testing.T) {
	key, pubPEM := generateSigningKey(t)
	manifest := []byte(`{"schema":"compas.registry.manifest.v1"}`)
	signature := signBlob(t, key, manifest)

	tampered := append([]byte(nil), manifest...)
	tampered[len(tampered)-2] = 'X'
	if _, err := VerifyCosignBlobSignature(tampered, signature, pubPEM); err == nil {
		t.Fatalf("tampered manifest must not verify")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, _ := generateSigningKey(t)
	_, otherPEM := generateSigningKey(t)
	manifest := []byte("payload")
	signature := signBlob(t, key, manifest)

	if _, err := VerifyCosignBlobSignature(manifest, signature, otherPEM); err == nil {
		t.Fatalf("wrong key must not verify")
	}
}

func TestVerifyRejectsGarbageSignature(t *testing.T) {
	_, pubPEM := generateSigningKey(t)
	if _, err := VerifyCosignBlobSignature([]byte("payload"), "", pubPEM); err == nil {
		t.Fatalf("empty signature must fail")
	}
	if _, err := VerifyCosignBlobSignature([]byte("payload"), "%%%not-base64%%%", pubPEM); err == nil {
		t.Fatalf("non-base64 signature must fail")
	}
}

func TestVerifyAgainstKeyringMatchesAnyKey(t *testing.T) {
	key, pubPEM := generateSigningKey(t)
	_, otherPEM := generateSigningKey(t)
	manifest := []byte("payload")
	signature := signBlob(t, key, manifest)

	keyID, err := VerifyAgainstKeyring(manifest, signature, []string{otherPEM, pubPEM})
	if err != nil {
		t.Fatalf("keyring verify: %v", err)
	}
	wantKeyID, _ := KeyID(&key.PublicKey)
	if keyID != wantKeyID {
		t.Fatalf("key id = %s, want %s", keyID, wantKeyID)
	}
}
