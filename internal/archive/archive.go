// Package archive reads image archives in the format produced by 'docker save': a tar file with a manifest.json
// describing the images, their config blobs and layer blobs.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/containerd/errdefs"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ManifestPath is the path of the source manifest within an image archive.
const ManifestPath = "manifest.json"

const maxLinkHops = 16

// ErrExtraction is returned when the archive or a file within it can't be read or extracted.
var ErrExtraction = errors.New("extraction error")

// ManifestEntry describes one image in the source manifest of an archive.
type ManifestEntry struct {
	// RepoTags are the repository:tag references the image is saved with.
	RepoTags []string `json:"RepoTags"`
	// Config is the path of the image config JSON within the archive.
	Config string `json:"Config"`
	// Layers are the paths of the layer blobs within the archive in the application order.
	Layers []string `json:"Layers"`
}

// Archive is a read-only image archive on local storage.
type Archive struct {
	path string
}

// Open checks that the archive at path is a readable regular file.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %w", ErrExtraction, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat archive: %w", ErrExtraction, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: archive '%s' is not a regular file", ErrExtraction, path)
	}

	return &Archive{path: path}, nil
}

// Path returns the path of the archive file.
func (a *Archive) Path() string {
	return a.path
}

// Manifest reads and parses the source manifest of the archive.
func (a *Archive) Manifest() ([]ManifestEntry, error) {
	var entries []ManifestEntry
	if err := a.ReadJSON(ManifestPath, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: '%s' doesn't describe any images", ErrExtraction, ManifestPath)
	}
	return entries, nil
}

// Config reads and parses the image config with the given name from the archive.
func (a *Archive) Config(name string) (ocispec.Image, error) {
	var img ocispec.Image
	if err := a.ReadJSON(name, &img); err != nil {
		return ocispec.Image{}, err
	}
	return img, nil
}

// ReadJSON extracts the file with the given name from the archive and decodes it as UTF-8 JSON into v.
func (a *Archive) ReadJSON(name string, v any) error {
	data, err := a.ReadFile(name)
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: '%s' is not valid UTF-8", ErrExtraction, name)
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse '%s': %w", ErrExtraction, name, err)
	}
	return nil
}

// ReadFile returns the content of the file with the given name from the archive. Symlinks within the archive are
// followed.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	want := cleanName(name)
	if want == "" {
		return nil, fmt.Errorf("%w: invalid path '%s'", ErrExtraction, name)
	}

	// Archives created by 'docker save' link duplicated layers to the first copy.
	for range maxLinkHops {
		var data []byte
		var link string
		found := false

		err := a.walk(func(hdr *tar.Header, r io.Reader) (bool, error) {
			if cleanName(hdr.Name) != want {
				return false, nil
			}
			found = true
			switch hdr.Typeflag {
			case tar.TypeReg:
				var err error
				data, err = io.ReadAll(r)
				return true, err
			case tar.TypeSymlink:
				link = cleanName(linkTarget(want, hdr.Linkname))
				return true, nil
			case tar.TypeLink:
				link = cleanName(hdr.Linkname)
				return true, nil
			default:
				return true, fmt.Errorf("'%s' is not a regular file", name)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("%w: read '%s': %w", ErrExtraction, name, err)
		}
		if !found {
			return nil, fmt.Errorf("%w: '%s' not found in archive: %w", ErrExtraction, name, errdefs.ErrNotFound)
		}
		if link == "" {
			return data, nil
		}
		if link == want {
			break
		}
		want = link
	}

	return nil, fmt.Errorf("%w: too many links resolving '%s'", ErrExtraction, name)
}

// Verify checks that the config and all layers of the entry exist as regular files in dir where the archive was
// extracted to.
func Verify(dir string, entry ManifestEntry) error {
	paths := append([]string{entry.Config}, entry.Layers...)
	for _, p := range paths {
		full, err := EntryPath(dir, p)
		if err != nil {
			return err
		}
		info, err := os.Stat(full)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				err = errdefs.ErrNotFound
			}
			return fmt.Errorf("%w: '%s' not found in extracted archive: %w", ErrExtraction, p, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: '%s' is not a regular file", ErrExtraction, p)
		}
	}
	return nil
}

// walk calls fn for every entry of the archive until fn returns true or an error.
func (a *Archive) walk(fn func(hdr *tar.Header, r io.Reader) (bool, error)) error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := decompress(f)
	if err != nil {
		return err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		done, err := fn(hdr, tr)
		if err != nil || done {
			return err
		}
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress detects whether the archive stream is gzip or zstd compressed and returns a reader of the plain tar.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("read archive header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

// cleanName normalises a path within the archive: no leading './' or '/', forward slashes only. The path is anchored
// at the archive root so '..' elements can't leave it. An empty string is returned for the root itself.
func cleanName(name string) string {
	name = path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimPrefix(name, "/")
	if name == "" || name == "." {
		return ""
	}
	return name
}

// linkTarget returns the archive path a symlink at name with the given link target points to. The result isn't
// cleaned and may leave the archive root.
func linkTarget(name, linkname string) string {
	if path.IsAbs(linkname) {
		return linkname
	}
	return path.Join(path.Dir(name), linkname)
}

// EntryPath returns the location of the archive entry p after the archive was extracted to dir. Symlinks on the way
// are resolved within dir, the returned path never leaves it.
func EntryPath(dir, p string) (string, error) {
	name := cleanName(p)
	if name == "" {
		return "", fmt.Errorf("%w: invalid path '%s'", ErrExtraction, p)
	}
	full, err := securejoin.SecureJoin(dir, filepath.FromSlash(name))
	if err != nil {
		return "", fmt.Errorf("%w: resolve '%s': %w", ErrExtraction, p, err)
	}
	return full, nil
}
