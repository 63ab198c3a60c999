// Package vault is the client-side credential store: a flat JSON map of
// key name → srv:-prefixed encrypted blob. The client can never decrypt
// these — the key material lives server-side (internal/credential) — so the
// vault is deliberately dumb storage plus a change-notification hook that
// lets gateways (Discord, MCP configs) drop any cached resolution when a
// credential is re-entered.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobPrefix marks a server-encrypted credential blob.
const BlobPrefix = "srv:"

// Vault owns the on-disk blob map.
type Vault struct {
	path string

	mu      sync.Mutex
	blobs   map[string]string
	changed []func(keyName string)
}

// Open loads (or initializes) the vault at path.
func Open(path string) (*Vault, error) {
	v := &Vault{path: path, blobs: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &v.blobs); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}
	return v, nil
}

// OnChanged registers a callback fired after a blob is stored or deleted,
// with the affected key name — gateways use this to clear their resolve
// caches so the fresh value takes effect without a restart.
func (v *Vault) OnChanged(fn func(keyName string)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.changed = append(v.changed, fn)
}

// Store saves an encrypted blob under keyName. Anything without the srv:
// prefix is rejected — plaintext must never land in the vault.
func (v *Vault) Store(keyName, blob string) error {
	if !strings.HasPrefix(blob, BlobPrefix) {
		return fmt.Errorf("vault: refusing to store non-encrypted value for %q", keyName)
	}

	v.mu.Lock()
	v.blobs[keyName] = blob
	err := v.flushLocked()
	callbacks := append([]func(string){}, v.changed...)
	v.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range callbacks {
		fn(keyName)
	}
	return nil
}

// Get returns the stored blob for keyName, verbatim.
func (v *Vault) Get(keyName string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	blob, ok := v.blobs[keyName]
	return blob, ok
}

// Delete removes a stored blob.
func (v *Vault) Delete(keyName string) error {
	v.mu.Lock()
	_, existed := v.blobs[keyName]
	delete(v.blobs, keyName)
	var err error
	if existed {
		err = v.flushLocked()
	}
	callbacks := append([]func(string){}, v.changed...)
	v.mu.Unlock()

	if err != nil {
		return err
	}
	if existed {
		for _, fn := range callbacks {
			fn(keyName)
		}
	}
	return nil
}

// Keys lists the stored key names (not the blobs).
func (v *Vault) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.blobs))
	for k := range v.blobs {
		keys = append(keys, k)
	}
	return keys
}

func (v *Vault) flushLocked() error {
	data, err := json.MarshalIndent(v.blobs, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("vault: mkdir: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("vault: write %s: %w", v.path, err)
	}
	return nil
}
