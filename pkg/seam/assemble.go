package seam

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/blake2b-simd"
)

// assemble concatenates the chunks of a complete upload in ascending part
// order into the final artifact and tears the staging directory down. Each
// chunk file is deleted as soon as it has been copied. The artifact is
// built in the scratch dir and renamed into place, so a crash mid-assembly
// leaves no partial artifact under the final name. Returns the number of
// parts merged, the artifact size and its BLAKE2b-512 checksum.
func (e *Engine) assemble(id string, total int) (parts int, size int64, sum string, err error) {
	staging := e.stagingDir(id)

	tf, err := os.CreateTemp(e.scratchDir(), "assemble")
	if err != nil {
		return 0, 0, "", fmt.Errorf("creating assembly file: %w", err)
	}
	defer os.Remove(tf.Name())
	defer tf.Close()

	h := blake2b.New512()
	w := io.MultiWriter(tf, h)
	for i := 1; i <= total; i++ {
		n, err := appendChunk(w, filepath.Join(staging, chunkName(i, total)))
		if err != nil {
			return 0, 0, "", err
		}
		size += n
	}
	if err := tf.Close(); err != nil {
		return 0, 0, "", fmt.Errorf("flushing artifact: %w", err)
	}
	if err := os.Rename(tf.Name(), e.artifactPath(id)); err != nil {
		return 0, 0, "", fmt.Errorf("publishing artifact: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		return 0, 0, "", fmt.Errorf("removing staging dir: %w", err)
	}
	return total, size, base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

func appendChunk(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening chunk: %w", err)
	}
	n, err := io.Copy(w, f)
	f.Close()
	if err != nil {
		return n, fmt.Errorf("copying chunk: %w", err)
	}
	return n, os.Remove(path)
}
