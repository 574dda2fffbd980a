package seam_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhthomas/seam/pkg/seam"
)

type submitResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Finished bool   `json:"finished"`
}

func decodeResponse(t *testing.T, body io.Reader) (out submitResponse) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func metadataJSON(id string, size int64, part, total int) string {
	return fmt.Sprintf(`{"uploadId":%q,"uploadSize":%d,"part":%d,"total":%d}`, id, size, part, total)
}

// chunkRequest builds a multipart submission. The marker and metadata
// fields are omitted when unset so malformed forms can be produced too.
func chunkRequest(marker bool, meta, filename string, data io.Reader) *http.Request {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if marker {
				if err := w.WriteField("chunked", "1"); err != nil {
					return err
				}
			}
			if meta != "" {
				if err := w.WriteField("metadata", meta); err != nil {
					return err
				}
			}
			fw, err := w.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, data); err != nil {
				return err
			}
			return w.Close()
		}()
		pw.CloseWithError(err)
	}()
	r := httptest.NewRequest(http.MethodPost, "/", pr)
	r.Header.Set("Content-Type", w.FormDataContentType())
	return r
}

func TestHandler_Submit(t *testing.T) {
	t.Run("should accept a chunk and finish a single-part upload", func(t *testing.T) {
		dir := t.TempDir()
		h := seam.NewHandler(seam.New(seam.Path(dir)))
		id := uuid.New().String()

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, metadataJSON(id, 4, 1, 1), "test.txt", strings.NewReader("data")))

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Equal(t, "application/json; charset=utf-8", w.Result().Header.Get("Content-Type"))
		res := decodeResponse(t, w.Result().Body)
		assert.True(t, res.OK)
		assert.True(t, res.Finished)

		got, err := os.ReadFile(filepath.Join(dir, id))
		require.NoError(t, err)
		assert.Equal(t, "data", string(got))
	})

	t.Run("should report pending for early parts", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir())))
		id := uuid.New().String()

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, metadataJSON(id, 8, 1, 2), "test.txt", strings.NewReader("aaaa")))

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		res := decodeResponse(t, w.Result().Body)
		assert.True(t, res.OK)
		assert.False(t, res.Finished)
	})

	t.Run("should reject a duplicated finish with a conflict", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir())))
		id := uuid.New().String()

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, metadataJSON(id, 4, 1, 1), "test.txt", strings.NewReader("data")))
		require.Equal(t, http.StatusOK, w.Result().StatusCode)

		w = httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, metadataJSON(id, 4, 1, 1), "test.txt", strings.NewReader("data")))

		require.Equal(t, http.StatusConflict, w.Result().StatusCode)
		res := decodeResponse(t, w.Result().Body)
		assert.False(t, res.OK)
		assert.Equal(t, "Upload already exists", res.Error)
	})

	t.Run("should reject the file field without the marker", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir())))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(false, metadataJSON(uuid.New().String(), 4, 1, 1), "test.txt", strings.NewReader("data")))

		require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		assert.Equal(t, "Invalid request", decodeResponse(t, w.Result().Body).Error)
	})

	t.Run("should reject the file field without metadata", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir())))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, "", "test.txt", strings.NewReader("data")))

		require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		assert.Equal(t, "Invalid request", decodeResponse(t, w.Result().Body).Error)
	})

	t.Run("should reject a content-length over the upload ceiling", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.MaxUpload(1 << 10)))

		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.ContentLength = 2 << 10

		w := httptest.NewRecorder()
		h.Submit(w, r)

		require.Equal(t, http.StatusRequestEntityTooLarge, w.Result().StatusCode)
		assert.Equal(t, "File size exceeded", decodeResponse(t, w.Result().Body).Error)
	})

	t.Run("should reject a body over the upload ceiling", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir()), seam.MaxUpload(1<<10)))

		var b bytes.Buffer
		mw := multipart.NewWriter(&b)
		require.NoError(t, mw.WriteField("chunked", "1"))
		require.NoError(t, mw.WriteField("metadata", metadataJSON(uuid.New().String(), 1<<9, 1, 1)))
		fw, err := mw.CreateFormFile("file", "big.bin")
		require.NoError(t, err)
		_, err = fw.Write(bytes.Repeat([]byte("x"), 4<<10))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		r := httptest.NewRequest(http.MethodPost, "/", &b)
		r.Header.Set("Content-Type", mw.FormDataContentType())
		// ContentLength of a buffer body is known; clear it so only the
		// body-side bound applies.
		r.ContentLength = -1

		w := httptest.NewRecorder()
		h.Submit(w, r)

		require.Equal(t, http.StatusRequestEntityTooLarge, w.Result().StatusCode)
		assert.Equal(t, "File size exceeded", decodeResponse(t, w.Result().Body).Error)
	})

	t.Run("should not allow names longer than 255 characters", func(t *testing.T) {
		h := seam.NewHandler(seam.New(seam.Path(t.TempDir())))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, chunkRequest(true, metadataJSON(uuid.New().String(), 4, 1, 1), strings.Repeat("a", 256), strings.NewReader("data")))

		require.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		assert.Equal(t, "Invalid request", decodeResponse(t, w.Result().Body).Error)
	})
}

func TestHandler_Artifact(t *testing.T) {
	newArtifact := func(t *testing.T, dir, id, data string) {
		t.Helper()
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, id), []byte(data), 0644))
	}

	t.Run("should serve an artifact with its recorded name and checksum", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New().String()
		newArtifact(t, dir, id, "hello world")

		store := &fakeStore{UploadUpload: &seam.Upload{
			ID:        id,
			Name:      "report.txt",
			Size:      11,
			Checksum:  "some-checksum",
			Parts:     1,
			Timestamp: time.Now().Add(-time.Minute),
		}}
		h := seam.NewHandler(seam.New(seam.Path(dir), seam.Records(store)))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/"+id+".txt", nil))

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Equal(t, "hello world", w.Body.String())
		assert.Equal(t, `"some-checksum"`, w.Result().Header.Get("Etag"))
		assert.Contains(t, w.Result().Header.Get("Content-Disposition"), "report.txt")
		assert.Equal(t, "text/plain; charset=utf-8", w.Result().Header.Get("Content-Type"))
		assert.Equal(t, "nosniff", w.Result().Header.Get("X-Content-Type-Options"))
		assert.True(t, strings.HasPrefix(w.Result().Header.Get("Cache-Control"), "public, must-revalidate, max-age="))
	})

	t.Run("should serve an artifact without a record", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New().String()
		newArtifact(t, dir, id, "plain bytes")

		store := &fakeStore{UploadErr: seam.ErrNotFound}
		h := seam.NewHandler(seam.New(seam.Path(dir), seam.Records(store)))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/"+id, nil))

		require.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Equal(t, "plain bytes", w.Body.String())
		assert.Empty(t, w.Result().Header.Get("Etag"))
		assert.Empty(t, w.Result().Header.Get("Content-Disposition"))
	})

	t.Run("should hide expired artifacts", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New().String()
		newArtifact(t, dir, id, "stale")
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(dir, id), old, old))

		h := seam.NewHandler(seam.New(seam.Path(dir)))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/"+id, nil))
		assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
	})

	t.Run("should hide staging internals", func(t *testing.T) {
		dir := t.TempDir()
		id := uuid.New().String()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "chunks_"+id), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "chunks_"+id, "1-2"), []byte("x"), 0644))
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0755))

		h := seam.NewHandler(seam.New(seam.Path(dir)))

		for _, target := range []string{"/chunks_" + id, "/chunks_" + id + "/1-2", "/tmp", "/not-an-id"} {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusNotFound, w.Result().StatusCode, target)
		}
	})
}

func TestHandler_Allow(t *testing.T) {
	h := seam.NewHandler(seam.New())

	t.Run("should answer OPTIONS with the allowed methods", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/", nil))
		assert.Equal(t, "GET, HEAD, OPTIONS, POST", w.Result().Header.Get("Access-Control-Allow-Methods"))

		w = httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/some-id", nil))
		assert.Equal(t, "GET, HEAD, OPTIONS", w.Result().Header.Get("Access-Control-Allow-Methods"))
	})

	t.Run("should reject unknown methods", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Result().StatusCode)
		assert.Equal(t, "GET, HEAD, OPTIONS, POST", w.Result().Header.Get("Allow"))
	})
}
