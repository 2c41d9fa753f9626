package character

import "testing"

func TestAllAreRegistered(t *testing.T) {
	for _, id := range All() {
		if !Valid(id) {
			t.Errorf("character %q listed but not registered", id)
		}
		p, ok := Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%q) missed", id)
		}
		if p.ID != id {
			t.Errorf("profile ID = %q, want %q", p.ID, id)
		}
		if p.Name == "" || p.Persona == "" {
			t.Errorf("character %q has an incomplete profile", id)
		}
		if p.DefaultPressureLevel < 1 || p.DefaultPressureLevel > 5 {
			t.Errorf("character %q default pressure %d out of range", id, p.DefaultPressureLevel)
		}
	}
}

func TestLookupUnknownMisses(t *testing.T) {
	if _, ok := Lookup("vtuber"); ok {
		t.Error("unknown ID resolved to a profile")
	}
	if Valid("") {
		t.Error("empty ID reported valid")
	}
}

func TestGenerationFallback(t *testing.T) {
	for _, id := range All() {
		if Generation(id).Model == "" {
			t.Errorf("character %q has no generation model", id)
		}
	}

	fallback := Generation("unknown")
	if fallback.Temperature != 0.7 {
		t.Errorf("fallback temperature = %v, want 0.7", fallback.Temperature)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if !Valid(Default) {
		t.Errorf("default character %q is not registered", Default)
	}
}
