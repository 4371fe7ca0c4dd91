package uuid

import "testing"

func TestV3_DeterministicForSameNamespaceAndName(t *testing.T) {
	// Task IDs are derived from (merkleRoot, name): the same inputs must
	// always produce the same ID.
	a, err := V3("d2c1f0aa", "scan-wallets")
	if err != nil {
		t.Fatalf("V3: %v", err)
	}
	b, err := V3("d2c1f0aa", "scan-wallets")
	if err != nil {
		t.Fatalf("V3: %v", err)
	}
	if a.String() != b.String() {
		t.Fatalf("expected identical UUIDs, got %s and %s", a, b)
	}

	c, _ := V3("d2c1f0aa", "scan-wallets-2")
	if c.String() == a.String() {
		t.Fatal("expected a different name to produce a different UUID")
	}
	d, _ := V3("ffffffff", "scan-wallets")
	if d.String() == a.String() {
		t.Fatal("expected a different namespace to produce a different UUID")
	}
}

func TestV4_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		u, err := V4()
		if err != nil {
			t.Fatalf("V4: %v", err)
		}
		s := u.String()
		if seen[s] {
			t.Fatalf("duplicate V4 UUID %s", s)
		}
		seen[s] = true
	}
}

func TestString_Format(t *testing.T) {
	u, err := V3("ns", "n")
	if err != nil {
		t.Fatalf("V3: %v", err)
	}
	s := u.String()
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		t.Fatalf("unexpected UUID format %q", s)
	}
	if s[14] != '3' {
		t.Fatalf("expected version 3 digit, got %q", s)
	}
}
