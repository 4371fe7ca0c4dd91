package managers

import "testing"

func TestItemManager_RegisterAndGet(t *testing.T) {
	// The codec registry keys reader/writers by content type; exercise the
	// same register-then-lookup shape here.
	m := NewItemManager[string]()
	m.Register("application/json", "json-rw")

	if got := m.Get("application/json"); got != "json-rw" {
		t.Fatalf("expected registered item, got %q", got)
	}
	if got := m.Get("application/x-unknown"); got != "" {
		t.Fatalf("expected zero value for unknown key, got %q", got)
	}
}

func TestItemManager_UnregisterRemoves(t *testing.T) {
	m := NewItemManager[string]()
	m.Register("text/yaml", "yaml-rw")
	m.Unregister("text/yaml")
	if got := m.Get("text/yaml"); got != "" {
		t.Fatalf("expected zero value after Unregister, got %q", got)
	}
	if len(m.Items()) != 0 {
		t.Fatalf("expected no items, got %d", len(m.Items()))
	}
}
