package seam

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Staging layout, relative to the engine root:
//
//	chunks_{id}/{part}-{total}  one stored chunk
//	chunks_{id}/error.txt       latest rejection reason
//	{id}                        finished artifact
//	tmp/                        spool and assembly scratch, never reaped
const (
	stagingPrefix = "chunks_"
	markerName    = "error.txt"
	tmpDir        = "tmp"
)

func (e *Engine) stagingDir(id string) string {
	return filepath.Join(e.root, stagingPrefix+id)
}

func (e *Engine) artifactPath(id string) string {
	return filepath.Join(e.root, id)
}

func (e *Engine) scratchDir() string {
	return filepath.Join(e.root, tmpDir)
}

func chunkName(part, total int) string {
	return strconv.Itoa(part) + "-" + strconv.Itoa(total)
}

// parseChunkName reverses chunkName. Anything else in a staging directory
// (the error marker, strays) reports ok == false.
func parseChunkName(name string) (part, total int, ok bool) {
	i := strings.IndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return 0, 0, false
	}
	part, err := strconv.Atoi(name[:i])
	if err != nil || part < 1 {
		return 0, 0, false
	}
	total, err = strconv.Atoi(name[i+1:])
	if err != nil || total < 1 || part > total {
		return 0, 0, false
	}
	return part, total, true
}

// exists reports whether a path is present. Used both for the idempotent
// chunk write and for the duplicate-artifact guard.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// putChunk links the spooled payload into the upload's staging directory,
// creating it if needed. If the chunk is already present the write is
// skipped, so re-submitting a part is a no-op on storage.
func (e *Engine) putChunk(id string, part, total int, spool string) error {
	dir := e.stagingDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	// Link instead of rename so an existing chunk is never overwritten and
	// duplicate submissions race safely on IsExist.
	if err := os.Link(spool, filepath.Join(dir, chunkName(part, total))); err != nil && !os.IsExist(err) {
		return fmt.Errorf("storing chunk: %w", err)
	}
	return nil
}

// missingPart returns the lowest part index in 1..total without a stored
// chunk, or 0 when the upload is complete. conflicts lists chunk files
// whose declared total disagrees with total; they are never reconciled,
// only surfaced.
func (e *Engine) missingPart(id string, total int) (missing int, conflicts []string, err error) {
	entries, err := os.ReadDir(e.stagingDir(id))
	if err != nil {
		return 0, nil, fmt.Errorf("listing staging dir: %w", err)
	}
	present := make(map[int]bool, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		p, t, ok := parseChunkName(name)
		if !ok {
			continue
		}
		if t != total {
			conflicts = append(conflicts, name)
			continue
		}
		present[p] = true
	}
	for i := 1; i <= total; i++ {
		if !present[i] {
			return i, conflicts, nil
		}
	}
	return 0, conflicts, nil
}

// writeMarker records the rejection reason inside the staging area,
// creating it if needed. Later submissions may still complete the upload;
// only the latest reason is kept.
func (e *Engine) writeMarker(id, reason string) {
	dir := e.stagingDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		e.log.Warn().Err(err).Str("upload", id).Msg("cannot create staging dir for error marker")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, markerName), []byte(reason+"\n"), 0644); err != nil {
		e.log.Warn().Err(err).Str("upload", id).Msg("cannot write error marker")
	}
}
