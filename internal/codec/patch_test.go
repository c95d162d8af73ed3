package codec

import (
	"testing"

	"github.com/lenshq/lens/internal/value"
)

func TestDiffObjects_Ops(t *testing.T) {
	tests := []struct {
		name string
		oldM map[string]any
		newM map[string]any
		want []PatchOp
	}{
		{
			"equal",
			map[string]any{"a": 1},
			map[string]any{"a": 1},
			nil,
		},
		{
			"replace scalar",
			map[string]any{"a": 1},
			map[string]any{"a": 2},
			[]PatchOp{{Op: "replace", Path: "/a", Value: 2}},
		},
		{
			"add key",
			map[string]any{"a": 1},
			map[string]any{"a": 1, "b": "x"},
			[]PatchOp{{Op: "add", Path: "/b", Value: "x"}},
		},
		{
			"remove key",
			map[string]any{"a": 1, "b": 2},
			map[string]any{"a": 1},
			[]PatchOp{{Op: "remove", Path: "/b"}},
		},
		{
			"nested recursion",
			map[string]any{"meta": map[string]any{"views": 1, "stale": true}},
			map[string]any{"meta": map[string]any{"views": 2}},
			[]PatchOp{
				{Op: "remove", Path: "/meta/stale"},
				{Op: "replace", Path: "/meta/views", Value: 2},
			},
		},
		{
			"nested array replaces atomically",
			map[string]any{"tags": []any{"a", "b"}},
			map[string]any{"tags": []any{"a", "c"}},
			[]PatchOp{{Op: "replace", Path: "/tags", Value: []any{"a", "c"}}},
		},
		{
			"object becomes scalar",
			map[string]any{"a": map[string]any{"x": 1}},
			map[string]any{"a": "flat"},
			[]PatchOp{{Op: "replace", Path: "/a", Value: "flat"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiffObjects(tt.oldM, tt.newM)
			if len(got) != len(tt.want) {
				t.Fatalf("DiffObjects = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].Op != tt.want[i].Op || got[i].Path != tt.want[i].Path ||
					!value.Equal(got[i].Value, tt.want[i].Value) {
					t.Errorf("op %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDiffObjects_SortedKeyOrder(t *testing.T) {
	oldM := map[string]any{}
	newM := map[string]any{"zebra": 1, "apple": 2, "mango": 3}
	got := DiffObjects(oldM, newM)
	wantPaths := []string{"/apple", "/mango", "/zebra"}
	if len(got) != len(wantPaths) {
		t.Fatalf("got %d ops, want %d", len(got), len(wantPaths))
	}
	for i, p := range wantPaths {
		if got[i].Path != p {
			t.Errorf("op %d path = %q, want %q", i, got[i].Path, p)
		}
	}
}

func TestDiffObjects_EscapedKeys(t *testing.T) {
	oldM := map[string]any{"a/b": 1, "c~d": 2}
	newM := map[string]any{"a/b": 9, "c~d": 8}
	got := DiffObjects(oldM, newM)
	if len(got) != 2 {
		t.Fatalf("got %d ops, want 2", len(got))
	}
	if got[0].Path != "/a~1b" {
		t.Errorf("slash key path = %q, want /a~1b", got[0].Path)
	}
	if got[1].Path != "/c~0d" {
		t.Errorf("tilde key path = %q, want /c~0d", got[1].Path)
	}

	applied, err := ApplyPatch(oldM, got)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !value.Equal(applied, newM) {
		t.Errorf("escaped round trip = %v, want %v", applied, newM)
	}
}

func TestDiffApply_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		oldM map[string]any
		newM map[string]any
	}{
		{"flat", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1, "c": 3}},
		{"deep", map[string]any{"u": map[string]any{"p": map[string]any{"q": "old"}}},
			map[string]any{"u": map[string]any{"p": map[string]any{"q": "new", "r": 1}}}},
		{"all removed", map[string]any{"a": 1, "b": 2}, map[string]any{}},
		{"from empty", map[string]any{}, map[string]any{"a": map[string]any{"deep": true}}},
		{"mixed types", map[string]any{"v": 1}, map[string]any{"v": []any{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := DiffObjects(tt.oldM, tt.newM)
			got, err := ApplyPatch(tt.oldM, ops)
			if err != nil {
				t.Fatalf("ApplyPatch: %v", err)
			}
			if !value.Equal(got, tt.newM) {
				t.Errorf("round trip = %v, want %v", got, tt.newM)
			}
		})
	}
}

func TestApplyPatch_EmptyOpsCopies(t *testing.T) {
	base := map[string]any{"a": 1}
	got, err := ApplyPatch(base, nil)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	got["a"] = 2
	if base["a"] != 1 {
		t.Error("empty patch must not alias the base object")
	}
}

func TestPatchSize(t *testing.T) {
	ops := []PatchOp{{Op: "replace", Path: "/a", Value: 1}}
	if n := PatchSize(ops); n <= 0 {
		t.Errorf("PatchSize = %d, want > 0", n)
	}
	if PatchSize(nil) <= 0 {
		t.Error("PatchSize(nil) should still count the empty array")
	}
}
