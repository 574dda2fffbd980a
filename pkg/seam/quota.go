package seam

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// admit runs the admission checks for a submission, in order: the
// caller-supplied predicate, the per-upload size ceiling against the
// declared size, the staging-root ceiling against declared-or-received
// (whichever is larger, so under-declared sizes cannot sneak in), and the
// per-upload ceiling once more against a fresh usage snapshot. received is
// the spooled payload size. The aggregate is recomputed for the final
// check rather than reused; admission is not transactional against
// concurrent submissions and each sum is only a snapshot.
func (e *Engine) admit(sub Submission, received int64) error {
	if e.allow != nil {
		meta := sub
		meta.Data = nil
		if !e.allow(meta) {
			return ErrNotAllowed
		}
	}
	if sub.Size > e.maxUpload {
		return ErrFileSize
	}
	used, err := e.usage()
	if err != nil {
		return err
	}
	claim := sub.Size
	if received > claim {
		claim = received
	}
	if used+claim > e.maxStaging {
		return ErrDirectorySize
	}
	if used, err = e.usage(); err != nil {
		return err
	}
	if used+sub.Size > e.maxUpload {
		return ErrUploadSize
	}
	return nil
}

// usage sums the size of every file under the staging root, spanning all
// uploads and finished artifacts. The scratch dir is excluded: spools in
// flight belong to no upload yet.
func (e *Engine) usage() (int64, error) {
	var n int64
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == e.scratchDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		n += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing staging root: %w", err)
	}
	return n, nil
}
