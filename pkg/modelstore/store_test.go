package modelstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveLocal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	if err := os.WriteFile(path, []byte("model-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Resolve(context.Background(), path, dir)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Path != path {
		t.Errorf("Path = %q, want %q", m.Path, path)
	}
	if m.Size != int64(len("model-bytes")) {
		t.Errorf("Size = %d, want %d", m.Size, len("model-bytes"))
	}
	if len(m.Digest) != 64 {
		t.Errorf("Digest = %q, want 64 hex chars", m.Digest)
	}

	// Same bytes, same digest.
	again, err := Resolve(context.Background(), path, dir)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if again.Digest != m.Digest {
		t.Errorf("digest not stable: %q vs %q", again.Digest, m.Digest)
	}
}

func TestResolveMissing(t *testing.T) {
	t.Parallel()
	_, err := Resolve(context.Background(), filepath.Join(t.TempDir(), "absent.bin"), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing model file")
	}
}

func TestSplitGCSRef(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ref            string
		bucket, object string
		ok             bool
	}{
		{"gs://models/resnet50.dxnn", "models", "resnet50.dxnn", true},
		{"gs://models/nested/path.bin", "models", "nested/path.bin", true},
		{"gs://models", "", "", false},
		{"gs:///object", "", "", false},
		{"gs://bucket/", "", "", false},
	}
	for _, tc := range tests {
		bucket, object, ok := splitGCSRef(tc.ref)
		if bucket != tc.bucket || object != tc.object || ok != tc.ok {
			t.Errorf("splitGCSRef(%q) = %q, %q, %v; want %q, %q, %v",
				tc.ref, bucket, object, ok, tc.bucket, tc.object, tc.ok)
		}
	}
}
