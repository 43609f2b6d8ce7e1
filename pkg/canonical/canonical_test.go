package canonical

import (
	"testing"
)

func TestCanonicalize_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("expected sorted keys, got %s", string(b))
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"url": "https://github.com/ehrenfest-quantum/quasi/pull/7?a=1&b=<2>",
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	expected := `{"url":"https://github.com/ehrenfest-quantum/quasi/pull/7?a=1&b=<2>"}`
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_OmitsAbsentFields(t *testing.T) {
	type rec struct {
		Task   string `json:"task"`
		Commit string `json:"commit_hash,omitempty"`
	}

	b, err := Canonicalize(rec{Task: "QUASI-001"})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(b) != `{"task":"QUASI-001"}` {
		t.Errorf("absent field should be omitted, got %s", string(b))
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known vector: sha256 of the empty string.
	got := SHA256Hex(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("expected %s, got %s", got, want)
	}
	if len(got) != 64 {
		t.Errorf("digest must be 64 hex chars, got %d", len(got))
	}
}

func TestBodyDigest(t *testing.T) {
	// sha256("") base64
	got := BodyDigest([]byte{})
	want := "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	a := map[string]any{"task": "QUASI-001", "type": "claim", "id": 2}
	b := map[string]any{"id": 2, "type": "claim", "task": "QUASI-001"}

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hash must not depend on key order: %s != %s", ha, hb)
	}
}
