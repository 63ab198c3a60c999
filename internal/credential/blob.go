package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// BlobPrefix is the literal prefix every vault entry carries.
const BlobPrefix = "srv:"

// blobEnvelope is the JSON object the blob base64-encodes, field names
// matching exactly: {v, u, d, iv, tag, ct}.
type blobEnvelope struct {
	V int `json:"v"`
	U string `json:"u"`
	D string `json:"d"`
	IV string `json:"iv"`
	Tag string `json:"tag"`
	CT string `json:"ct"`
}

const blobVersion = 1

// Encrypt produces a srv:-prefixed blob for plaintext, bound to (userID,
// allowedDomain) via DeriveKey. The IV is fresh on every call (
// "Encryption is non-deterministic (fresh IV)").
func Encrypt(masterKey []byte, userID, allowedDomain, plaintext string) (string, error) {
	domain := strings.ToLower(allowedDomain)
	key, err := DeriveKey(masterKey, userID, domain)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	// Standard library GCM nonces are conventionally 12 bytes; the blob
	// format carries a 16-byte IV, so the nonce size is set explicitly.
	gcmSized, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("new gcm (16-byte nonce): %w", err)
	}

	sealed := gcmSized.Seal(nil, iv, []byte(plaintext), nil)
	// Go's GCM Seal appends the auth tag to the ciphertext; split it back
	// out so the wire format carries tag and ciphertext separately.
	tagSize := gcmSized.Overhead()
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	env := blobEnvelope{
		V: blobVersion,
		U: userID,
		D: domain,
		IV: hex.EncodeToString(iv),
		Tag: hex.EncodeToString(tag),
		CT: hex.EncodeToString(ct),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal blob: %w", err)
	}
	return BlobPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt reverses Encrypt. If requestDomain is non-empty it must equal the
// blob's stored domain before derivation is attempted at all. Tampering fails GCM authentication; a wrong domain
// guess fails because the derived key won't match — both surface as
// errkind.CredentialDomainMismatch to the caller (see proxy.go).
func Decrypt(masterKey []byte, blob string, requestDomain string) (string, error) {
	body := strings.TrimPrefix(blob, BlobPrefix)
	if body == blob {
		return "", fmt.Errorf("credential blob missing %q prefix", BlobPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("unmarshal blob: %w", err)
	}

	if requestDomain != "" && strings.ToLower(requestDomain) != env.D {
		return "", fmt.Errorf("request domain %q does not match stored domain %q", requestDomain, env.D)
	}

	key, err := DeriveKey(masterKey, env.U, env.D)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}
	ct, err := hex.DecodeString(env.CT)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("gcm open (wrong domain or tampered blob): %w", err)
	}
	return string(plaintext), nil
}

// Domain extracts the blob's stored domain without decrypting, used by the
// proxy to check base_url's host before even attempting decryption.
func Domain(blob string) (string, error) {
	body := strings.TrimPrefix(blob, BlobPrefix)
	if body == blob {
		return "", fmt.Errorf("credential blob missing %q prefix", BlobPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("unmarshal blob: %w", err)
	}
	return env.D, nil
}
