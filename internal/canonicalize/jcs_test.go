package canonicalize

import "testing"

func TestJCS_KeyOrderingIsStable(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": 2, "z": 1}, "a": 2, "b": 1}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected stable hash regardless of map iteration order, got %s != %s", ha, hb)
	}
}

func TestJCS_ArrayOrderMatters(t *testing.T) {
	a := []interface{}{"x", "y"}
	b := []interface{}{"y", "x"}

	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha == hb {
		t.Fatal("expected different hashes for reordered arrays")
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]interface{}{"q": "<tag>&co</tag>"})
	if err != nil {
		t.Fatalf("jcs: %v", err)
	}
	got := string(b)
	want := `{"q":"<tag>&co</tag>"}`
	if got != want {
		t.Fatalf("expected no HTML escaping, got %s want %s", got, want)
	}
}
