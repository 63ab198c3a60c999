package credential

import (
	"crypto/sha512"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// infoPrefix is mixed into HKDF's info parameter so the derived key is
// cryptographically bound to both the protocol version and the domain.
const infoPrefix = "dotbot-credential-v1:"

// DeriveKey derives the 32-byte AES-256 key for (userID, allowedDomain) via
// HKDF-SHA-512 over the master key, salt=userID, info=infoPrefix+domain.
// allowedDomain is lowercased first so "Discord.com" and "discord.com"
// derive the same key.
func DeriveKey(masterKey []byte, userID, allowedDomain string) ([]byte, error) {
	domain := strings.ToLower(allowedDomain)
	r := hkdf.New(sha512.New, masterKey, []byte(userID), []byte(infoPrefix+domain))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
