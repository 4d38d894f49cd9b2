package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emptyDigest = digest.Digest("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFromFile(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		dgst, size, err := FromFile(writeFile(t, nil))
		require.NoError(t, err)
		assert.Equal(t, emptyDigest, dgst)
		assert.Equal(t, int64(0), size)
	})

	t.Run("multiple blocks", func(t *testing.T) {
		// Two full blocks and a partial one.
		data := bytes.Repeat([]byte("0123456789abcdef"), (2*BlockSize+1000)/16)
		sum := sha256.Sum256(data)

		path := writeFile(t, data)
		dgst, size, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), dgst.String())
		assert.Equal(t, int64(len(data)), size)

		again, _, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, dgst, again, "Digest must be deterministic.")
	})

	t.Run("matches go-digest", func(t *testing.T) {
		data := []byte(`{"architecture":"amd64","os":"linux"}`)
		dgst, _, err := FromFile(writeFile(t, data))
		require.NoError(t, err)
		assert.Equal(t, digest.FromBytes(data), dgst)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := FromFile(filepath.Join(t.TempDir(), "missing"))
		require.ErrorIs(t, err, ErrFileAccess)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("directory", func(t *testing.T) {
		_, _, err := FromFile(t.TempDir())
		assert.ErrorIs(t, err, ErrFileAccess)
	})
}

func TestFromReader(t *testing.T) {
	dgst, n, err := FromReader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Equal(t, emptyDigest, dgst)
	assert.Zero(t, n)
}
