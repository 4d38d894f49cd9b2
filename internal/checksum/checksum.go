// Package checksum computes content digests of blobs stored on local disk.
package checksum

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// BlockSize is the size of the blocks read from a file while computing its digest.
const BlockSize = 2 << 20

// ErrFileAccess is returned when a file can't be opened or read to compute its digest or size.
var ErrFileAccess = errors.New("file access error")

// FromFile streams the file at path through a sha256 digester and returns its digest and size in bytes.
func FromFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: open '%s': %w", ErrFileAccess, path, err)
	}
	defer f.Close()

	dgst, n, err := FromReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("%w: read '%s': %w", ErrFileAccess, path, err)
	}
	return dgst, n, nil
}

// FromReader reads r until EOF and returns the sha256 digest of the read bytes and their count.
func FromReader(r io.Reader) (digest.Digest, int64, error) {
	digester := digest.SHA256.Digester()
	buf := make([]byte, BlockSize)

	n, err := io.CopyBuffer(digester.Hash(), r, buf)
	if err != nil {
		return "", n, err
	}
	return digester.Digest(), n, nil
}
