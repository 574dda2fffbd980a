package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/units"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// uploadCommand splits a file into fixed-size chunks and submits them in
// order. A rejected chunk fails the whole command; there are no retries.
type uploadCommand struct {
	File      *os.File
	URL       *url.URL
	Insecure  bool
	ChunkSize units.Base2Bytes
}

func (u *uploadCommand) Do() {
	d, err := u.File.Stat()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot stat file")
	}
	size := d.Size()
	if size < 1 {
		log.Fatal().Msg("refusing to upload an empty file")
	}
	chunk := int64(u.ChunkSize)
	if chunk < 1 {
		log.Fatal().Msg("chunk size must be at least one byte")
	}
	total := int((size + chunk - 1) / chunk)

	c := &http.Client{}
	if u.Insecure {
		c.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	id := uuid.New().String()
	var finished bool
	for part := 1; part <= total; part++ {
		off := int64(part-1) * chunk
		n := chunk
		if rem := size - off; rem < n {
			n = rem
		}
		finished, err = u.submit(c, id, size, part, total, io.NewSectionReader(u.File, off, n))
		if err != nil {
			log.Fatal().Err(err).Int("part", part).Int("total", total).Msg("chunk rejected")
		}
		log.Debug().Int("part", part).Int("total", total).Msg("chunk accepted")
	}
	if !finished {
		log.Fatal().Msg("all chunks accepted, but the upload never finished")
	}
	fmt.Printf("%s/%s%s\n", strings.TrimSuffix(u.URL.String(), "/"), id, filepath.Ext(u.File.Name()))
}

func (u *uploadCommand) submit(c *http.Client, id string, size int64, part, total int, data io.Reader) (bool, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("chunked", "1"); err != nil {
				return err
			}
			meta, err := json.Marshal(struct {
				ID    string `json:"uploadId"`
				Size  int64  `json:"uploadSize"`
				Part  int    `json:"part"`
				Total int    `json:"total"`
			}{id, size, part, total})
			if err != nil {
				return err
			}
			if err := mw.WriteField("metadata", string(meta)); err != nil {
				return err
			}
			w, err := mw.CreateFormFile("file", filepath.Base(u.File.Name()))
			if err != nil {
				return err
			}
			if _, err := io.Copy(w, data); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	res, err := c.Post(u.URL.String(), mw.FormDataContentType(), pr)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	var out struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error"`
		Finished bool   `json:"finished"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		return false, fmt.Errorf("%s: %s", res.Status, out.Error)
	}
	return out.Finished, nil
}
