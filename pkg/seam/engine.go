package seam

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/units"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine reassembles chunked uploads. Upload lifecycle is encoded entirely
// in the filesystem under the staging root: a staging directory per
// in-flight upload, a flat file per finished artifact. See chunks.go for
// the layout.
type Engine struct {
	root       string
	maxAge     time.Duration
	maxUpload  int64
	maxStaging int64
	allow      AllowFunc
	complete   CompleteFunc
	store      Store
	log        zerolog.Logger
	metrics    *Metrics
	locks      locker
}

// New creates an Engine with defaults applied: 1GiB per upload, 50GiB of
// staging, 90 minutes before staleness. It then applies opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		root:       filepath.Join(os.TempDir(), "seam"),
		maxAge:     90 * time.Minute,
		maxUpload:  int64(units.GiB),
		maxStaging: int64(50 * units.GiB),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	return e
}

// Submit runs one chunk submission through reaping, admission and storage,
// and through assembly once the chunk carries the final part index and
// every part is present. Rejections are returned as *UploadError values;
// anything else is an internal failure. Submissions sharing an upload id
// serialize on a per-id lock, so only one of two racing completion
// triggers assembles and the other observes the finished artifact.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !valid(sub) {
		return e.reject(sub, ErrInvalid)
	}

	spool, received, err := e.spool(sub.Data)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(spool)

	if err := e.Reap(time.Now()); err != nil {
		e.log.Warn().Err(err).Msg("reap failed")
	}

	unlock := e.locks.lock(sub.ID)
	defer unlock()

	if exists(e.artifactPath(sub.ID)) {
		return e.reject(sub, ErrExists)
	}

	if err := e.admit(sub, received); err != nil {
		uerr, ok := err.(*UploadError)
		if !ok {
			return Result{}, err
		}
		if uerr == ErrUploadSize {
			// Harsher than the other quota rejections: the upload can
			// never fit, so its staging area goes too.
			if rerr := os.RemoveAll(e.stagingDir(sub.ID)); rerr != nil {
				e.log.Warn().Err(rerr).Str("upload", sub.ID).Msg("cannot remove staging dir")
			}
		} else {
			e.writeMarker(sub.ID, uerr.Reason)
		}
		return e.reject(sub, uerr)
	}

	if err := e.putChunk(sub.ID, sub.Part, sub.Total, spool); err != nil {
		return Result{}, err
	}
	e.log.Debug().Str("upload", sub.ID).Int("part", sub.Part).Int("total", sub.Total).
		Int64("received", received).Msg("chunk stored")

	if sub.Part != sub.Total {
		e.metrics.Submissions.WithLabelValues(OutcomePending).Inc()
		return Result{}, nil
	}

	missing, conflicts, err := e.missingPart(sub.ID, sub.Total)
	if err != nil {
		return Result{}, err
	}
	if len(conflicts) > 0 {
		e.metrics.ConflictingChunks.Add(float64(len(conflicts)))
		e.log.Warn().Str("upload", sub.ID).Strs("chunks", conflicts).
			Msg("chunks with conflicting totals present; they contribute nothing to the artifact")
	}
	if missing > 0 {
		uerr := missingChunkError(missing)
		e.writeMarker(sub.ID, uerr.Reason)
		return e.reject(sub, uerr)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	parts, size, sum, err := e.assemble(sub.ID, sub.Total)
	if err != nil {
		return Result{}, err
	}
	e.metrics.Submissions.WithLabelValues(OutcomeFinished).Inc()
	e.metrics.AssembledBytes.Add(float64(size))
	e.log.Info().Str("upload", sub.ID).Int("parts", parts).Int64("size", size).Msg("upload assembled")

	if e.store != nil {
		err := e.store.Create(&Upload{
			ID:        sub.ID,
			Name:      sub.Name,
			Size:      size,
			Checksum:  sum,
			Parts:     parts,
			Timestamp: time.Now(),
		})
		if err != nil {
			// The artifact exists either way; the record is best effort.
			e.log.Error().Err(err).Str("upload", sub.ID).Msg("cannot record finished upload")
		}
	}
	if e.complete != nil {
		e.complete(sub.ID, parts)
	}
	return Result{Finished: true, Parts: parts}, nil
}

func (e *Engine) reject(sub Submission, err *UploadError) (Result, error) {
	e.metrics.Submissions.WithLabelValues(OutcomeRejected).Inc()
	e.log.Info().Str("upload", sub.ID).Int("part", sub.Part).Str("reason", err.Reason).
		Msg("submission rejected")
	return Result{}, err
}

func valid(sub Submission) bool {
	// Canonical form only: uuid.Parse also accepts braced, urn-prefixed
	// and unhyphenated spellings, which would alias one upload across
	// several staging directories.
	u, err := uuid.Parse(sub.ID)
	if err != nil || u.String() != sub.ID {
		return false
	}
	return sub.Size >= 1 && sub.Part >= 1 && sub.Total >= 1 && sub.Part <= sub.Total && sub.Data != nil
}

// spool drains the payload into the scratch dir so its real size is known
// before admission, and so the chunk write is a link rather than a copy.
func (e *Engine) spool(r io.Reader) (path string, n int64, err error) {
	if err := os.MkdirAll(e.scratchDir(), 0755); err != nil {
		return "", 0, fmt.Errorf("creating scratch dir: %w", err)
	}
	f, err := os.CreateTemp(e.scratchDir(), "spool")
	if err != nil {
		return "", 0, fmt.Errorf("creating spool file: %w", err)
	}
	n, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("spooling payload: %w", err)
	}
	return f.Name(), n, nil
}
