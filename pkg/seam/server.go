package seam

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Form fields of a chunk submission. The marker field is what identifies
// the request as a chunked upload; its value is irrelevant.
const (
	markerField   = "chunked"
	metadataField = "metadata"
	fileField     = "file"
)

// metadata is the JSON descriptor accompanying each chunk.
type metadata struct {
	UploadID   string `json:"uploadId"`
	UploadSize int64  `json:"uploadSize"`
	Part       int    `json:"part"`
	Total      int    `json:"total"`
}

type response struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// Handler adapts HTTP to the engine: chunk submissions in, finished
// artifacts out. Authentication and CSRF checking are the hosting
// server's business and must happen in front of it.
type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler { return &Handler{engine: e} }

// ServeHTTP routes requests: POST / submits a chunk, GET and HEAD serve
// finished artifacts, everything else is answered by Allow.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/":
		h.Submit(w, r)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		h.Artifact(w, r)
	default:
		h.Allow(w, r)
	}
}

// Allow will set access control headers and reject requests using invalid methods.
func (h *Handler) Allow(w http.ResponseWriter, r *http.Request) {
	allow := "GET, HEAD, OPTIONS"
	if r.URL.Path == "/" {
		allow = "GET, HEAD, OPTIONS, POST"
	}
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", allow)
	default:
		w.Header().Set("Allow", allow)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// Submit parses one multipart chunk submission and hands it to the
// engine. The form must carry the marker field and the metadata descriptor
// before the file field; the file part is streamed into the engine without
// buffering the whole chunk in memory.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.engine.maxUpload {
		h.respond(w, Result{}, ErrFileSize)
		return
	}

	// Bound the body to keep it consistent with the declared
	// ContentLength, even though a single chunk is normally far smaller.
	r.Body = http.MaxBytesReader(w, r.Body, h.engine.maxUpload)

	mr, err := r.MultipartReader()
	if err != nil {
		h.respond(w, Result{}, ErrInvalid)
		return
	}

	var marked bool
	var meta *metadata
	for {
		p, err := mr.NextPart()
		if err != nil {
			// Ran out of parts without a file field, or the body is
			// unreadable.
			h.respond(w, Result{}, ErrInvalid)
			return
		}
		switch p.FormName() {
		case markerField:
			marked = true
		case metadataField:
			meta = new(metadata)
			if err := json.NewDecoder(io.LimitReader(p, 4<<10)).Decode(meta); err != nil {
				h.respond(w, Result{}, ErrInvalid)
				return
			}
		case fileField:
			if !marked || meta == nil {
				h.respond(w, Result{}, ErrInvalid)
				return
			}
			name := p.FileName()
			if len(name) > 255 {
				h.respond(w, Result{}, ErrInvalid)
				return
			}
			res, err := h.engine.Submit(r.Context(), Submission{
				ID:    meta.UploadID,
				Size:  meta.UploadSize,
				Part:  meta.Part,
				Total: meta.Total,
				Name:  name,
				Data:  p,
			})
			h.respond(w, res, err)
			return
		}
	}
}

func (h *Handler) respond(w http.ResponseWriter, res Result, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		// A body overrunning MaxBytesReader surfaces mid-copy, not at parse
		// time.
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			err = ErrFileSize
		}
		var uerr *UploadError
		if !errors.As(err, &uerr) {
			h.engine.log.Error().Err(err).Msg("submission failed")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(response{Error: "internal error"})
			return
		}
		w.WriteHeader(rejectionStatus(uerr))
		json.NewEncoder(w).Encode(response{Error: uerr.Reason})
		return
	}
	json.NewEncoder(w).Encode(response{OK: true, Finished: res.Finished})
}

func rejectionStatus(err *UploadError) int {
	switch err {
	case ErrInvalid:
		return http.StatusBadRequest
	case ErrNotAllowed:
		return http.StatusForbidden
	case ErrFileSize, ErrDirectorySize, ErrUploadSize:
		return http.StatusRequestEntityTooLarge
	default:
		// Duplicate completion and missing chunks both describe state the
		// client disagrees with.
		return http.StatusConflict
	}
}

// Artifact serves a finished artifact by upload id. A client may append
// the original file extension to the id; anything after the first "." is
// ignored. The response carries the recorded file name and checksum when a
// record store is configured, and caching is bounded by the time left
// before the artifact becomes reap-eligible.
func (h *Handler) Artifact(w http.ResponseWriter, r *http.Request) {
	e := h.engine
	http.FileServer(fileSystemFunc(func(name string) (http.File, error) {
		dir, name := path.Split(name)
		if dir != "/" {
			return nil, os.ErrNotExist
		}
		// trim anything after the first "."
		if i := strings.Index(name, "."); i > -1 {
			name = name[:i]
		}
		// Ids are canonical UUIDs. This also keeps the scratch dir and
		// staging dirs unservable.
		if u, err := uuid.Parse(name); err != nil || u.String() != name {
			return nil, os.ErrNotExist
		}
		f, err := os.Open(e.artifactPath(name))
		if err != nil {
			return nil, err
		}
		d, err := f.Stat()
		if err != nil || !d.Mode().IsRegular() {
			f.Close()
			return nil, os.ErrNotExist
		}

		// Time left until the reaper may take it; if that has already
		// passed, the artifact is gone in all but sweep.
		remaining := e.maxAge - time.Since(d.ModTime())
		if remaining <= 0 {
			f.Close()
			return nil, os.ErrNotExist
		}

		modTime := d.ModTime()
		var dispname string
		if e.store != nil {
			u, err := e.store.Upload(name)
			switch {
			case err == nil:
				dispname = u.Name
				w.Header().Set("Etag", strconv.Quote(u.Checksum))
				if !u.Timestamp.IsZero() {
					modTime = u.Timestamp
				}
			case !errors.Is(err, ErrNotFound):
				e.log.Debug().Err(err).Str("upload", name).Msg("record lookup failed")
			}
		}

		var ctype string
		if dispname != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf(
				"filename=%q; filename*=UTF-8''%[1]s",
				url.PathEscape(dispname),
			))
			ctype = mime.TypeByExtension(filepath.Ext(dispname))
		}
		if ctype == "" {
			m, err := mimetype.DetectReader(f)
			if err != nil {
				f.Close()
				return nil, err
			}
			ctype = m.String()
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return nil, errors.New("seeker can't seek")
			}
		}
		// catches text/html and text/html; charset=utf-8
		const prefix = "text/html"
		if strings.HasPrefix(ctype, prefix) {
			ctype = "text/plain" + ctype[len(prefix):]
		}
		w.Header().Set("Cache-Control", "public, must-revalidate, max-age="+strconv.Itoa(int(remaining.Seconds())))
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		return artifactFile{f, modTime}, nil
	})).ServeHTTP(w, r)
}
