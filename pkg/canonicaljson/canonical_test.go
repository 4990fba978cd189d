package canonicaljson

import (
	"encoding/json"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_SortsNestedKeys(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json would produce <script>...; RFC 8785
	// requires the literal characters.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NonASCIIPreserved(t *testing.T) {
	// Verdict labels are Japanese; they must hash over raw UTF-8, not \u escapes.
	input := map[string]string{"verdict": "採用推奨"}

	expected := `{"verdict":"採用推奨"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Stability(t *testing.T) {
	// Semantically identical values constructed differently must hash equal.
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestTransform_Idempotent(t *testing.T) {
	raw := []byte(`{"b": 2, "a": {"y": true, "x": null}}`)

	once, err := Transform(raw)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	twice, err := Transform(once)
	if err != nil {
		t.Fatalf("second Transform failed: %v", err)
	}

	if string(once) != string(twice) {
		t.Errorf("Transform not idempotent: %s != %s", once, twice)
	}
	if string(once) != `{"a":{"x":null,"y":true},"b":2}` {
		t.Errorf("unexpected canonical form: %s", once)
	}
}

func TestMarshal_RoundTripLaw(t *testing.T) {
	// canonical(parse(canonical(x))) == canonical(x)
	input := map[string]any{
		"query":  "weather tomorrow",
		"stakes": 0.9,
		"tags":   []any{"b", "a"},
		"nested": map[string]any{"k2": 2, "k1": "v"},
	}

	first, err := Marshal(input)
	if err != nil {
		t.Fatal(err)
	}

	var decoded any
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatal(err)
	}

	second, err := Marshal(decoded)
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Errorf("round trip changed canonical form:\n  %s\n  %s", first, second)
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	// SHA-256 of the empty string is a fixed constant; guards against
	// accidental double-hashing.
	got := HashBytes(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("HashBytes(nil) = %s, want %s", got, want)
	}
}
