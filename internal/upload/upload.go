// Package upload implements the chunked blob upload protocol of the registry API V2.
//
// A blob is uploaded through an upload session: the session is created with a POST request, all chunks but the last
// are sent with PATCH requests to the session URL, and the last chunk is sent with a PUT request that carries the
// digest of the whole blob. The registry may move the session to a different URL after every chunk.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/uncloud/tarpush/internal/checksum"
	"github.com/uncloud/tarpush/internal/registry"
)

// DefaultChunkSize bounds the memory used by an upload to one chunk regardless of the blob size.
const DefaultChunkSize = 2 << 20

var (
	// ErrStartUpload is returned when the registry doesn't open an upload session.
	ErrStartUpload = errors.New("start upload error")
	// ErrChunkTransfer is returned when a chunk can't be read or transferred or the registry rejects it.
	ErrChunkTransfer = errors.New("chunk transfer error")
	// ErrInvalidState is returned for an operation the session doesn't allow in its current state.
	ErrInvalidState = fmt.Errorf("invalid upload session state: %w", errdefs.ErrFailedPrecondition)
)

// Progress describes how much of a blob has been transferred.
type Progress struct {
	// ID identifies the upload session.
	ID    string
	Repo  string
	Sent  int64
	Total int64
}

// Percent returns the transferred share of the blob in percent.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Sent) / float64(p.Total) * 100
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithChunkSize sets the maximum number of bytes sent in one request.
func WithChunkSize(size int) Option {
	return func(u *Uploader) {
		if size > 0 {
			u.chunkSize = size
		}
	}
}

// WithProgress sets a function that is called after every transferred chunk.
func WithProgress(fn func(Progress)) Option {
	return func(u *Uploader) {
		u.progress = fn
	}
}

// Uploader uploads blobs to repositories of a registry. It's safe for concurrent use, every upload gets its own
// session.
type Uploader struct {
	client    *registry.Client
	chunkSize int
	progress  func(Progress)
}

// NewUploader creates an uploader that talks to the registry through the given client.
func NewUploader(client *registry.Client, opts ...Option) *Uploader {
	u := &Uploader{
		client:    client,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ChunkSize returns the maximum number of bytes sent in one request.
func (u *Uploader) ChunkSize() int {
	return u.chunkSize
}

// UploadFile uploads the file at path as a blob to the repository in a new upload session.
func (u *Uploader) UploadFile(ctx context.Context, repo, path string) (ocispec.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: open '%s': %w", checksum.ErrFileAccess, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: stat '%s': %w", checksum.ErrFileAccess, path, err)
	}

	s, err := u.Start(ctx, repo)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return s.Upload(ctx, f, info.Size())
}

// Start opens a new upload session in the repository. A session is only returned if the registry accepted it.
func (u *Uploader) Start(ctx context.Context, repo string) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		uploader: u,
		repo:     repo,
		id:       id,
		state:    StateUninitiated,
		log: logrus.WithFields(logrus.Fields{
			"upload.id": id,
			"repo":      repo,
		}),
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is a registry upload session for a single blob. It must not be used concurrently.
type Session struct {
	uploader *Uploader
	repo     string
	id       string
	state    State
	// location is the current session URL. The registry may change it with every response.
	location string
	// digest is set once the blob is committed.
	digest digest.Digest
	log    *logrus.Entry
}

// ID returns the client-side identifier of the session used in logs and progress reports.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state of the session.
func (s *Session) State() State {
	return s.state
}

// Location returns the current session URL.
func (s *Session) Location() string {
	return s.location
}

func (s *Session) transition(to State) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is already %s", ErrInvalidState, s.state)
	}
	if !s.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.state, to)
	}
	s.log.WithField("state", to).Debug("Upload session changed state.")
	s.state = to
	return nil
}

// fail moves the session to the failed state and returns err.
func (s *Session) fail(err error) error {
	if !s.state.Terminal() {
		s.state = StateFailed
	}
	s.log.WithError(err).Debug("Upload session failed.")
	return err
}

// open creates the session in the registry with POST /v2/<repo>/blobs/uploads/.
func (s *Session) open(ctx context.Context) error {
	if s.state != StateUninitiated {
		return fmt.Errorf("%w: can't open a session in state %s", ErrInvalidState, s.state)
	}

	client := s.uploader.client
	req, err := client.NewRequest(ctx, http.MethodPost, client.Endpoint(s.repo, "blobs", "uploads/"), nil)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrStartUpload, err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrStartUpload, err))
	}
	if resp.StatusCode != http.StatusAccepted {
		return s.fail(fmt.Errorf("%w: %w", ErrStartUpload, registry.ResponseError(resp)))
	}
	defer registry.Discard(resp)

	loc, err := registry.Location(resp)
	if err != nil {
		return s.fail(fmt.Errorf("%w: registry didn't return the upload location: %w", ErrStartUpload, err))
	}
	s.location = loc
	s.log.Debug("Started blob upload session.")

	return s.transition(StateSessionOpen)
}

// Upload streams size bytes from r to the open session in chunks and commits the blob with the digest of the streamed
// bytes. The returned descriptor has the digest and size of the blob set.
func (s *Session) Upload(ctx context.Context, r io.Reader, size int64) (ocispec.Descriptor, error) {
	if s.state != StateSessionOpen {
		return ocispec.Descriptor{}, fmt.Errorf("%w: can't upload in state %s", ErrInvalidState, s.state)
	}

	for c, err := range Chunks(r, size, s.uploader.chunkSize) {
		if err != nil {
			return ocispec.Descriptor{}, s.fail(fmt.Errorf("%w: %w", ErrChunkTransfer, err))
		}
		if err = ctx.Err(); err != nil {
			return ocispec.Descriptor{}, s.fail(fmt.Errorf("%w: %w", ErrChunkTransfer, err))
		}

		if c.Final {
			if err = s.commit(ctx, c); err != nil {
				return ocispec.Descriptor{}, s.fail(err)
			}
		} else if err = s.patch(ctx, c); err != nil {
			return ocispec.Descriptor{}, s.fail(err)
		}
		s.report(c.End, size)
	}

	if s.state != StateCommitted {
		return ocispec.Descriptor{}, s.fail(fmt.Errorf("%w: blob stream ended without a final chunk", ErrChunkTransfer))
	}
	return ocispec.Descriptor{
		Digest: s.digest,
		Size:   size,
	}, nil
}

// patch sends a non-final chunk to the session URL and follows the updated location.
func (s *Session) patch(ctx context.Context, c Chunk) error {
	resp, err := s.send(ctx, http.MethodPatch, s.location, c)
	if err != nil {
		return err
	}
	defer registry.Discard(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %w", ErrChunkTransfer, registry.ResponseError(resp))
	}
	if resp.Header.Get("Location") != "" {
		loc, err := registry.Location(resp)
		if err != nil {
			return fmt.Errorf("%w: invalid upload location: %w", ErrChunkTransfer, err)
		}
		s.location = loc
	}

	return nil
}

// commit sends the final chunk with the digest of the whole blob which finalises the upload.
func (s *Session) commit(ctx context.Context, c Chunk) error {
	u, err := url.Parse(s.location)
	if err != nil {
		return fmt.Errorf("%w: invalid upload location: %w", ErrChunkTransfer, err)
	}
	param := "digest=" + url.QueryEscape(c.Digest.String())
	if u.RawQuery == "" {
		u.RawQuery = param
	} else {
		u.RawQuery += "&" + param
	}

	resp, err := s.send(ctx, http.MethodPut, u.String(), c)
	if err != nil {
		return err
	}
	defer registry.Discard(resp)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: %w", ErrChunkTransfer, registry.ResponseError(resp))
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != c.Digest.String() {
		return fmt.Errorf("%w: registry stored the blob as '%s', expected '%s'", ErrChunkTransfer, got, c.Digest)
	}

	s.digest = c.Digest
	s.log.WithFields(logrus.Fields{
		"digest": c.Digest,
		"size":   c.End,
	}).Debug("Committed blob upload.")

	return s.transition(StateCommitted)
}

func (s *Session) send(ctx context.Context, method, target string, c Chunk) (*http.Response, error) {
	client := s.uploader.client
	req, err := client.NewRequest(ctx, method, target, bytes.NewReader(c.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChunkTransfer, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(c.Len()))
	if cr := c.ContentRange(); cr != "" {
		req.Header.Set("Content-Range", cr)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s chunk %d-%d: %w", ErrChunkTransfer, method, c.Start, c.End, err)
	}
	return resp, nil
}

func (s *Session) report(sent, total int64) {
	if s.uploader.progress == nil {
		return
	}
	s.uploader.progress(Progress{
		ID:    s.id,
		Repo:  s.repo,
		Sent:  sent,
		Total: total,
	})
}

// Digest returns the digest of the committed blob or an empty digest if the session isn't committed.
func (s *Session) Digest() digest.Digest {
	return s.digest
}
