package security

import "testing"

func TestVaultSetGetRoundTrip(t *testing.T) {
	v := NewVault(t.TempDir())
	if err := v.Set("API_KEY", "sk-ant-abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}

	v2 := &Vault{path: v.path, keyPath: v.keyPath, data: make(map[string]string)}
	if err := v2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := v2.Get("API_KEY")
	if !ok || got != "sk-ant-abc123" {
		t.Fatalf("expected round-trip value, got %q ok=%v", got, ok)
	}
}

func TestVaultDeleteRemovesKey(t *testing.T) {
	v := NewVault(t.TempDir())
	v.Set("X", "y")
	if err := v.Delete("X"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v.Has("X") {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestVaultListKeysNeverLeaksValues(t *testing.T) {
	v := NewVault(t.TempDir())
	v.Set("SECRET_ONE", "value-one")
	keys := v.ListKeys()
	if len(keys) != 1 || keys[0] != "SECRET_ONE" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestVaultMissingFileLoadsEmpty(t *testing.T) {
	v := NewVault(t.TempDir())
	if err := v.Load(); err != nil {
		t.Fatalf("load on missing file should not error: %v", err)
	}
	if len(v.ListKeys()) != 0 {
		t.Fatal("expected empty vault")
	}
}
