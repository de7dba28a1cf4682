package pseudonym

import (
	"context"
	"strings"
	"testing"

	"ehrbridge/internal/platform/testkit"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("short"), true); err == nil {
		t.Fatal("expected key length error")
	}
}

func TestDeterministicEncryptStable(t *testing.T) {
	c, err := NewCipher(testKey, true)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	a, err := c.Encrypt("patient-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt("patient-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a != b {
		t.Fatal("deterministic mode must produce stable ciphertext")
	}

	pt, err := c.Decrypt(a, "patient-123")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "patient-123" {
		t.Fatalf("round trip got %q", pt)
	}
}

func TestRandomEncryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey, false)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	a, err := c.Encrypt("patient-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := c.Encrypt("patient-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("random mode must not repeat ciphertext")
	}
	pt, err := c.Decrypt(a, "")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "patient-123" {
		t.Fatalf("round trip got %q", pt)
	}
}

func TestHandleLength(t *testing.T) {
	h := Handle("psn-", "c29tZWNpcGhlcg==", 0)
	if len(h) != DefaultHandleLen {
		t.Fatalf("len = %d", len(h))
	}
	if !strings.HasPrefix(h, "psn-") {
		t.Fatalf("handle = %q", h)
	}

	h2 := Handle("psn-", "c29tZWNpcGhlcg==", 20)
	if len(h2) != 20 {
		t.Fatalf("len = %d", len(h2))
	}
	// same ciphertext, same digest
	if !strings.HasPrefix(h, h2) {
		t.Fatalf("truncation changed digest: %q vs %q", h, h2)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{" Patient/123 ", "Patient-123"},
		{"a b\tc", "abc"},
		{"Käse.v2", "Käse.v2"},
		{"x!@#$%y", "xy"},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q) = %q want %q", c.in, got, c.want)
		}
	}
	long := strings.Repeat("a", 100)
	if got := Sanitize(long); len(got) != sanitizeMaxLen {
		t.Errorf("len = %d", len(Sanitize(long)))
	}
}

type fakeProvider struct {
	psn  string
	err  error
	seen []string
}

func (f *fakeProvider) GetOrCreatePseudonym(_ context.Context, value, domain string) (string, error) {
	f.seen = append(f.seen, domain+":"+value)
	return f.psn, f.err
}

func TestTransformRowProviderFirst(t *testing.T) {
	c, _ := NewCipher(testKey, true)
	p := &fakeProvider{psn: "PSN-0001"}
	tr := NewTransformer(c, p, map[string]FieldConfig{
		"subject_id": {Enabled: true, Prefix: "sub-", Domain: "project-a"},
	}, 0)

	row := map[string]any{"subject_id": "patient-123", "other": "x"}
	if err := tr.TransformRow(context.Background(), row); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if row["subject_id"] != "PSN-0001" {
		t.Fatalf("subject_id = %v", row["subject_id"])
	}
	if _, ok := row["subject_id_ciphertext"]; ok {
		t.Fatal("provider path must not write ciphertext")
	}
	if len(p.seen) != 1 || p.seen[0] != "project-a:patient-123" {
		t.Fatalf("provider calls = %v", p.seen)
	}
}

func TestTransformRowFallbackToCipher(t *testing.T) {
	c, _ := NewCipher(testKey, true)
	p := &fakeProvider{err: context.DeadlineExceeded}
	tr := NewTransformer(c, p, map[string]FieldConfig{
		"subject_id": {Enabled: true, Prefix: "sub-", Domain: "project-a"},
	}, 0)

	row := map[string]any{"subject_id": "patient-123"}
	if err := tr.TransformRow(context.Background(), row); err != nil {
		t.Fatalf("transform: %v", err)
	}
	handle, _ := row["subject_id"].(string)
	if !strings.HasPrefix(handle, "sub-") || len(handle) != DefaultHandleLen {
		t.Fatalf("handle = %q", handle)
	}
	ct, _ := row["subject_id_ciphertext"].(string)
	if ct == "" {
		t.Fatal("ciphertext column missing")
	}
	pt, err := c.Decrypt(ct, "patient-123")
	if err != nil || pt != "patient-123" {
		t.Fatalf("decrypt got %q err %v", pt, err)
	}
}

func TestTransformRowSkipsUnconfigured(t *testing.T) {
	c, _ := NewCipher(testKey, true)
	tr := NewTransformer(c, nil, map[string]FieldConfig{
		"subject_id": {Enabled: false},
	}, 0)
	row := map[string]any{"subject_id": "patient-123"}
	testkit.MustNotPanic(t, func() {
		if err := tr.TransformRow(context.Background(), row); err != nil {
			t.Fatalf("transform: %v", err)
		}
	})
	if row["subject_id"] != "patient-123" {
		t.Fatal("disabled field must pass through")
	}

	var nilTr *Transformer
	if nilTr.Enabled("subject_id") {
		t.Fatal("nil transformer must report disabled")
	}
	if err := nilTr.TransformRow(context.Background(), row); err != nil {
		t.Fatalf("nil transform: %v", err)
	}
}
