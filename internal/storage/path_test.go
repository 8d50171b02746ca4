package storage

import "testing"

func TestResultKey(t *testing.T) {
	key, err := ResultKey("0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90", "parquet")
	if err != nil {
		t.Fatalf("ResultKey() error = %v", err)
	}
	if key != "0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90.parquet" {
		t.Fatalf("key = %q", key)
	}
}

func TestResultKeyRejectsInvalidComponents(t *testing.T) {
	cases := []struct {
		id  string
		ext string
	}{
		{"", "csv"},
		{"../etc/passwd", "csv"},
		{"abc/def", "csv"},
		{"0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90", ""},
		{"0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90", "CSV"},
		{"0b6c8e1a-3f2d-4c8e-9a51-7d2e4f6a8b90", "tar.gz"},
	}
	for _, tc := range cases {
		if _, err := ResultKey(tc.id, tc.ext); err == nil {
			t.Fatalf("ResultKey(%q, %q) expected error", tc.id, tc.ext)
		}
	}
}
