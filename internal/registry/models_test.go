package registry

import "testing"

func TestModels(t *testing.T) {
	catalog := Models()
	if len(catalog) == 0 {
		t.Fatal("empty catalog")
	}

	seen := map[string]struct{}{}
	for _, m := range catalog {
		if m.ID == "" || m.Object != "model" || m.OwnedBy == "" {
			t.Errorf("malformed entry: %+v", m)
		}
		if _, dup := seen[m.ID]; dup {
			t.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
}

func TestModelsReturnsCopy(t *testing.T) {
	first := Models()
	first[0].ID = "mutated"
	if Models()[0].ID == "mutated" {
		t.Error("Models exposes internal slice")
	}
}
