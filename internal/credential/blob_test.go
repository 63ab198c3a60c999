package credential

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func testMasterKey() []byte {
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testMasterKey()
	blob, err := Encrypt(key, "user-1", "Discord.com", "super-secret-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(key, blob, "discord.com")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "super-secret-token" {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	// decrypt without a request domain hint still works (domain is baked
	// into the derivation itself).
	if got2, err := Decrypt(key, blob, ""); err != nil || got2 != "super-secret-token" {
		t.Fatalf("decrypt without request_domain: got=%q err=%v", got2, err)
	}
}

func TestDomainIsolation(t *testing.T) {
	key := testMasterKey()
	blob, err := Encrypt(key, "user-1", "discord.com", "super-secret-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(key, blob, "evil.example"); err == nil {
		t.Fatalf("decrypting with mismatched request_domain must fail")
	}

	// Even bypassing the request_domain pre-check, the derived key for a
	// different domain must not open the blob (belt-and-suspenders is not
	// the only protection — the domain is cryptographically bound).
	wrongKey, err := DeriveKey(key, "user-1", "evil.example")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	rightKey, err := DeriveKey(key, "user-1", "discord.com")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(wrongKey) == string(rightKey) {
		t.Fatalf("keys for different domains must differ")
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	key := testMasterKey()
	b1, err := Encrypt(key, "user-1", "discord.com", "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b2, err := Encrypt(key, "user-1", "discord.com", "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if b1 == b2 {
		t.Fatalf("two encryptions of the same plaintext must differ (fresh IV)")
	}
}

func TestTamperedBlobFailsAuth(t *testing.T) {
	key := testMasterKey()
	blob, err := Encrypt(key, "user-1", "discord.com", "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Flip one hex digit of the ciphertext and re-encode, so the blob still
	// decodes and only GCM authentication can reject it.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, BlobPrefix))
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal blob: %v", err)
	}
	flipped := byte('0')
	if env.CT[0] == '0' {
		flipped = '1'
	}
	env.CT = string(flipped) + env.CT[1:]
	raw, err = json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal blob: %v", err)
	}
	tampered := BlobPrefix + base64.StdEncoding.EncodeToString(raw)
	if _, err := Decrypt(key, tampered, ""); err == nil {
		t.Fatalf("tampered blob should fail to decrypt")
	}
}
