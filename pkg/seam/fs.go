package seam

import (
	"net/http"
	"os"
	"time"
)

// fileSystemFunc adapts a lookup func to http.FileSystem.
type fileSystemFunc func(string) (http.File, error)

func (f fileSystemFunc) Open(name string) (http.File, error) { return f(name) }

// artifactFile overrides the artifact's on-disk modification time with the
// recorded completion time, so Last-Modified stays stable even if the
// artifact file is moved or restored.
type artifactFile struct {
	http.File
	modTime time.Time
}

func (f artifactFile) Stat() (os.FileInfo, error) {
	d, err := f.File.Stat()
	if err == nil {
		d = fileInfo{d, f.modTime}
	}
	return d, err
}

type fileInfo struct {
	os.FileInfo
	modTime time.Time
}

func (d fileInfo) ModTime() time.Time { return d.modTime }
