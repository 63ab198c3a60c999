package vault

import (
	"path/filepath"
	"testing"
)

func TestStoreGetAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Store("DISCORD_BOT_TOKEN", "srv:abc123"); err != nil {
		t.Fatal(err)
	}

	// A fresh open sees the stored blob.
	v2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	blob, ok := v2.Get("DISCORD_BOT_TOKEN")
	if !ok || blob != "srv:abc123" {
		t.Fatalf("got %q ok=%v", blob, ok)
	}
}

func TestRejectsPlaintext(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Store("KEY", "hunter2"); err == nil {
		t.Fatal("plaintext without the srv: prefix must be rejected")
	}
}

func TestChangeNotification(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"))
	if err != nil {
		t.Fatal(err)
	}
	var changed []string
	v.OnChanged(func(keyName string) { changed = append(changed, keyName) })

	if err := v.Store("A", "srv:1"); err != nil {
		t.Fatal(err)
	}
	if err := v.Delete("A"); err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 || changed[0] != "A" || changed[1] != "A" {
		t.Fatalf("change notifications = %v", changed)
	}
}
