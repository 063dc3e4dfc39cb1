// Package modelstore resolves model artifact references to local files. A
// reference is either a plain filesystem path or a gs://bucket/object URL;
// remote artifacts are downloaded once into a cache directory. Every resolved
// artifact is digested so the serving logs identify exactly which bytes were
// loaded.
package modelstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/crypto/sha3"
	"k8s.io/klog/v2"
)

const gsPrefix = "gs://"

// Model describes a resolved artifact.
type Model struct {
	// Path is the local file the engine loads.
	Path string
	// Digest is the lowercase hex SHA3-256 of the file contents.
	Digest string
	// Size is the file length in bytes.
	Size int64
}

// Resolve turns ref into a readable local file. Local paths are verified and
// digested in place; gs:// references are fetched into cacheDir unless a
// cached copy already exists.
func Resolve(ctx context.Context, ref, cacheDir string) (Model, error) {
	if strings.HasPrefix(ref, gsPrefix) {
		local, err := fetchGCS(ctx, ref, cacheDir)
		if err != nil {
			return Model{}, err
		}
		return describe(local)
	}

	if _, err := os.Stat(ref); err != nil {
		return Model{}, fmt.Errorf("model file %q: %w", ref, err)
	}
	return describe(ref)
}

func describe(path string) (Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return Model{}, fmt.Errorf("opening model file: %w", err)
	}
	defer f.Close()

	h := sha3.New256()
	n, err := io.Copy(h, f)
	if err != nil {
		return Model{}, fmt.Errorf("digesting model file: %w", err)
	}

	m := Model{
		Path:   path,
		Digest: hex.EncodeToString(h.Sum(nil)),
		Size:   n,
	}
	klog.V(1).Infof("resolved model %s (%d bytes, sha3-256 %s)", m.Path, m.Size, m.Digest)
	return m, nil
}

func fetchGCS(ctx context.Context, ref, cacheDir string) (string, error) {
	bucket, object, ok := splitGCSRef(ref)
	if !ok {
		return "", fmt.Errorf("malformed GCS reference %q", ref)
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	local := filepath.Join(cacheDir, filepath.Base(object))
	if _, err := os.Stat(local); err == nil {
		klog.V(1).Infof("using cached model %s for %s", local, ref)
		return local, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	klog.Infof("downloading model from %s to %s", ref, local)
	startedAt := time.Now()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("opening object from GCS %q: %w", ref, err)
	}
	defer r.Close()

	n, err := writeToFile(r, local)
	if err != nil {
		return "", fmt.Errorf("downloading from GCS: %w", err)
	}

	klog.Infof("downloaded model %s (%d bytes in %v)", ref, n, time.Since(startedAt))
	return local, nil
}

func splitGCSRef(ref string) (bucket, object string, ok bool) {
	rest := strings.TrimPrefix(ref, gsPrefix)
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// writeToFile stages src into a temp file next to destinationPath and renames
// it into place, so a failed download never leaves a partial artifact behind.
func writeToFile(src io.Reader, destinationPath string) (int64, error) {
	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				klog.Errorf("removing temp file %s: %v", tempFile.Name(), err)
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				klog.Errorf("closing temp file %s: %v", tempFile.Name(), err)
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("copying from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
