package seam

import (
	"fmt"
	"io"
	"time"
)

// Upload records a finished upload.
type Upload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Parts     int       `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// Submission is one chunk of an upload, parsed and authenticated by the
// caller. Size is the declared size of the whole upload, not of this chunk.
// Part is 1-based and Total is fixed for the life of an upload.
type Submission struct {
	ID    string
	Size  int64
	Part  int
	Total int
	Name  string
	Data  io.Reader
}

// Result reports the outcome of an accepted submission. Parts is only set
// once the upload has been assembled.
type Result struct {
	Finished bool
	Parts    int
}

// UploadError is a rejected submission. The reason is stable and intended
// for the client.
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string { return e.Reason }

var (
	ErrInvalid       = &UploadError{Reason: "Invalid request"}
	ErrNotAllowed    = &UploadError{Reason: "File not allowed"}
	ErrFileSize      = &UploadError{Reason: "File size exceeded"}
	ErrDirectorySize = &UploadError{Reason: "Directory size exceeded"}
	ErrUploadSize    = &UploadError{Reason: "Upload size exceeded"}
	ErrExists        = &UploadError{Reason: "Upload already exists"}
)

func missingChunkError(part int) *UploadError {
	return &UploadError{Reason: fmt.Sprintf("Missing chunk %d, upload failed", part)}
}

// AllowFunc decides whether an upload may be admitted at all. It sees the
// submission metadata only; the payload is withheld.
type AllowFunc func(Submission) bool

// CompleteFunc is invoked after an upload has been assembled, with the
// upload id and the number of parts merged.
type CompleteFunc func(id string, parts int)
