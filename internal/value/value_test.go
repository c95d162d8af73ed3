package value

import "testing"

func TestHashOf_Deterministic(t *testing.T) {
	v := map[string]any{"title": "Hello", "count": 3, "tags": []any{"a", "b"}}
	h1 := HashOf(v)
	h2 := HashOf(v)
	if h1 != h2 {
		t.Fatalf("same value produced different hashes: %s vs %s", h1.Hex(), h2.Hex())
	}
	if h1.IsZero() {
		t.Fatal("hash should not be zero for a real value")
	}
}

func TestHashOf_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"p": true, "q": "s"}}
	b := map[string]any{"y": map[string]any{"q": "s", "p": true}, "x": 1}
	if HashOf(a) != HashOf(b) {
		t.Fatalf("key order should not affect hash: %s vs %s", HashOf(a).Hex(), HashOf(b).Hex())
	}
}

func TestHashOf_DifferentValues(t *testing.T) {
	a := map[string]any{"title": "Hello"}
	b := map[string]any{"title": "World"}
	if HashOf(a) == HashOf(b) {
		t.Fatal("different values should produce different hashes")
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"equal strings", "hello", "hello", true},
		{"different strings", "hello", "world", false},
		{"string vs number", "1", 1, false},
		{"bools", true, true, true},
		{"int vs float same value", 1, float64(1), true},
		{"equal objects", map[string]any{"a": 1}, map[string]any{"a": 1}, true},
		{"object key order", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"different objects", map[string]any{"a": 1}, map[string]any{"a": 2}, false},
		{"equal arrays", []any{1, "x"}, []any{1, "x"}, true},
		{"array order matters", []any{1, 2}, []any{2, 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestClone_Isolation(t *testing.T) {
	orig := map[string]any{
		"nested": map[string]any{"n": 1},
		"list":   []any{map[string]any{"id": "a"}},
	}
	cp := CloneMap(orig)

	cp["nested"].(map[string]any)["n"] = 2
	cp["list"].([]any)[0].(map[string]any)["id"] = "b"

	if orig["nested"].(map[string]any)["n"] != 1 {
		t.Error("mutating clone leaked into original nested map")
	}
	if orig["list"].([]any)[0].(map[string]any)["id"] != "a" {
		t.Error("mutating clone leaked into original list element")
	}
}

func TestCloneMap_Nil(t *testing.T) {
	cp := CloneMap(nil)
	if cp == nil {
		t.Fatal("CloneMap(nil) should return an empty map")
	}
	cp["k"] = 1
}

func TestCloneSlice_Nil(t *testing.T) {
	cp := CloneSlice(nil)
	if cp == nil || len(cp) != 0 {
		t.Fatalf("CloneSlice(nil) = %v, want empty slice", cp)
	}
}
