// Package registrytest provides an in-memory registry API V2 server that records requests, for use in tests.
package registrytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/distribution/distribution/v3/manifest/schema2"
	"github.com/distribution/distribution/v3/registry/api/errcode"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Request is a request received by the registry.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// ContentLength is the length of the request body as received.
	ContentLength int64
	Body          []byte
}

// Registry is an in-memory registry server supporting chunked blob uploads and manifest pushes.
type Registry struct {
	*httptest.Server

	// Intercept is called for every request before it's handled. A non-zero returned status is sent to the client
	// instead of handling the request.
	Intercept func(r Request) int
	// RelativeLocation makes the registry return upload locations without scheme and host.
	RelativeLocation bool
	// OmitLocation makes the registry omit the Location header when an upload session is created.
	OmitLocation bool
	// ContentDigest overrides the Docker-Content-Digest header returned when a blob upload is committed.
	ContentDigest string

	mu        sync.Mutex
	requests  []Request
	nextID    int
	uploads   map[string]*bytes.Buffer
	blobs     map[digest.Digest][]byte
	manifests map[string][]byte
}

// New starts a new registry server. It's closed when the test finishes if t is not nil.
func New(t interface{ Cleanup(func()) }) *Registry {
	r := &Registry{
		uploads:   make(map[string]*bytes.Buffer),
		blobs:     make(map[digest.Digest][]byte),
		manifests: make(map[string][]byte),
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serveHTTP))
	if t != nil {
		t.Cleanup(r.Close)
	}
	return r
}

// Requests returns all requests received so far.
func (r *Registry) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Count returns the number of received requests with the given method.
func (r *Registry) Count(method string) int {
	n := 0
	for _, req := range r.Requests() {
		if req.Method == method {
			n++
		}
	}
	return n
}

// Blob returns the content of a committed blob.
func (r *Registry) Blob(dgst digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[dgst]
	return b, ok
}

// Manifest returns the manifest pushed to the repository with the given tag.
func (r *Registry) Manifest(repo, tag string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[repo+":"+tag]
	return m, ok
}

func (r *Registry) serveHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := Request{
		Method:        req.Method,
		Path:          req.URL.Path,
		Query:         req.URL.Query(),
		Header:        req.Header.Clone(),
		ContentLength: req.ContentLength,
		Body:          body,
	}

	r.mu.Lock()
	r.requests = append(r.requests, rec)
	intercept := r.Intercept
	r.mu.Unlock()

	if intercept != nil {
		if status := intercept(rec); status != 0 {
			writeErrorStatus(w, status, errcode.ErrorCodeUnknown.WithMessage("intercepted"))
			return
		}
	}

	p := strings.TrimPrefix(req.URL.Path, "/v2/")
	switch {
	case p == "" && req.Method == http.MethodGet:
		w.WriteHeader(http.StatusOK)
	case strings.HasSuffix(p, "/blobs/uploads/") && req.Method == http.MethodPost:
		r.startUpload(w, req, strings.TrimSuffix(p, "/blobs/uploads/"))
	case strings.Contains(p, "/blobs/uploads/"):
		i := strings.Index(p, "/blobs/uploads/")
		repo, id := p[:i], p[i+len("/blobs/uploads/"):]
		switch req.Method {
		case http.MethodPatch:
			r.patchUpload(w, req, repo, id, body)
		case http.MethodPut:
			r.commitUpload(w, req, repo, id, body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.Contains(p, "/manifests/") && req.Method == http.MethodPut:
		i := strings.LastIndex(p, "/manifests/")
		r.putManifest(w, req, p[:i], p[i+len("/manifests/"):], body)
	default:
		writeErrorStatus(w, http.StatusNotFound, errcode.ErrorCodeUnsupported.WithMessage("not found"))
	}
}

func (r *Registry) uploadLocation(req *http.Request, repo, id string, state int) string {
	loc := fmt.Sprintf("/v2/%s/blobs/uploads/%s?_state=%d", repo, id, state)
	if r.RelativeLocation {
		return loc
	}
	return "http://" + req.Host + loc
}

func (r *Registry) startUpload(w http.ResponseWriter, req *http.Request, repo string) {
	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("upload-%d", r.nextID)
	r.uploads[id] = &bytes.Buffer{}
	r.mu.Unlock()

	if !r.OmitLocation {
		w.Header().Set("Location", r.uploadLocation(req, repo, id, 0))
	}
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// appendChunk validates the Content-Range of the chunk against the upload offset and appends it.
func (r *Registry) appendChunk(req *http.Request, id string, body []byte) (*bytes.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.uploads[id]
	if !ok {
		return nil, errcode.ErrorCodeBlobUploadUnknown
	}
	if cr := req.Header.Get("Content-Range"); cr != "" {
		start, end, ok := parseRange(cr)
		if !ok || start != int64(buf.Len()) || end-start+1 != int64(len(body)) {
			return nil, errcode.ErrorCodeRangeInvalid.WithMessage("invalid chunk")
		}
	}
	buf.Write(body)
	return buf, nil
}

func (r *Registry) patchUpload(w http.ResponseWriter, req *http.Request, repo, id string, body []byte) {
	buf, err := r.appendChunk(req, id, body)
	if err != nil {
		writeError(w, err)
		return
	}

	state, _ := strconv.Atoi(req.URL.Query().Get("_state"))
	w.Header().Set("Location", r.uploadLocation(req, repo, id, state+1))
	w.Header().Set("Range", fmt.Sprintf("0-%d", buf.Len()-1))
	w.WriteHeader(http.StatusAccepted)
}

func (r *Registry) commitUpload(w http.ResponseWriter, req *http.Request, repo, id string, body []byte) {
	dgst, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		writeError(w, errcode.ErrorCodeDigestInvalid.WithMessage("invalid digest"))
		return
	}
	buf, err := r.appendChunk(req, id, body)
	if err != nil {
		writeError(w, err)
		return
	}

	data := append([]byte(nil), buf.Bytes()...)
	if digest.FromBytes(data) != dgst {
		writeError(w, errcode.ErrorCodeDigestInvalid.WithMessage("provided digest did not match uploaded content"))
		return
	}

	r.mu.Lock()
	r.blobs[dgst] = data
	delete(r.uploads, id)
	r.mu.Unlock()

	contentDigest := dgst.String()
	if r.ContentDigest != "" {
		contentDigest = r.ContentDigest
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
	w.Header().Set("Docker-Content-Digest", contentDigest)
	w.WriteHeader(http.StatusCreated)
}

func (r *Registry) putManifest(w http.ResponseWriter, req *http.Request, repo, tag string, body []byte) {
	if ct := req.Header.Get("Content-Type"); ct != schema2.MediaTypeManifest {
		writeError(w, errcode.ErrorCodeManifestInvalid.WithMessage("unexpected content type "+ct))
		return
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil || m.SchemaVersion != 2 {
		writeError(w, errcode.ErrorCodeManifestInvalid.WithMessage("invalid manifest"))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range append([]ocispec.Descriptor{m.Config}, m.Layers...) {
		blob, ok := r.blobs[desc.Digest]
		if !ok || int64(len(blob)) != desc.Size {
			writeError(w, errcode.ErrorCodeManifestBlobUnknown.WithDetail(desc.Digest))
			return
		}
	}
	r.manifests[repo+":"+tag] = body

	w.Header().Set("Docker-Content-Digest", digest.FromBytes(body).String())
	w.WriteHeader(http.StatusCreated)
}

func parseRange(s string) (int64, int64, bool) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// writeError responds with the status code registered for err.
func writeError(w http.ResponseWriter, err error) {
	_ = errcode.ServeJSON(w, err)
}

// writeErrorStatus responds with an arbitrary status code and err in the registry error body.
func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errcode.Errors{err})
}
