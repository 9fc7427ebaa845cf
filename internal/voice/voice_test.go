package voice

import "testing"

func TestCatalogIsStable(t *testing.T) {
	voices := Catalog()
	if len(voices) != 8 {
		t.Fatalf("expected 8 voices, got %d", len(voices))
	}
	for i, v := range voices {
		if v.ID != i {
			t.Fatalf("voice %q has id %d at index %d", v.Name, v.ID, i)
		}
	}
	voices[0].Name = "changed"
	if p, _ := Lookup(0); p.Name != "Bella" {
		t.Fatalf("catalog mutated through copy: %q", p.Name)
	}
}

func TestLookupOutOfRange(t *testing.T) {
	if _, ok := Lookup(-1); ok {
		t.Fatal("expected miss for negative id")
	}
	if _, ok := Lookup(Count()); ok {
		t.Fatal("expected miss past the end")
	}
	if p, ok := Lookup(7); !ok || p.Name != "Leo" {
		t.Fatalf("expected Leo, got %+v", p)
	}
}
