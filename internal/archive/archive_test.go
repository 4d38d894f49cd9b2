package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func file(name, body string) entry {
	return entry{name: name, body: body, typeflag: tar.TypeReg}
}

type compression int

const (
	plain compression = iota
	gzipped
	zstded
)

// writeArchive writes a tar archive with the given entries to a temporary file and returns its path.
func writeArchive(t *testing.T, comp compression, entries ...entry) string {
	t.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	switch comp {
	case gzipped:
		w = gzip.NewWriter(&buf)
	case zstded:
		zw, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		w = zw
	default:
		w = nopCloser{&buf}
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

const sourceManifest = `[{"Config":"config.json","RepoTags":["myimg:latest","myimg:1.0"],"Layers":["layer1/layer.tar","layer2/layer.tar"]}]`

func imageEntries() []entry {
	return []entry{
		file("manifest.json", sourceManifest),
		file("config.json", `{"architecture":"amd64","os":"linux","rootfs":{"type":"layers","diff_ids":["sha256:aa","sha256:bb"]}}`),
		{name: "layer1/", typeflag: tar.TypeDir},
		file("layer1/layer.tar", "layer one"),
		{name: "layer2/", typeflag: tar.TypeDir},
		file("layer2/layer.tar", "layer two"),
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.tar"))
	assert.ErrorIs(t, err, ErrExtraction)

	_, err = Open(t.TempDir())
	assert.ErrorIs(t, err, ErrExtraction, "A directory is not an archive.")

	a, err := Open(writeArchive(t, plain, imageEntries()...))
	require.NoError(t, err)
	assert.NotEmpty(t, a.Path())
}

func TestManifest(t *testing.T) {
	for name, comp := range map[string]compression{"plain": plain, "gzip": gzipped, "zstd": zstded} {
		t.Run(name, func(t *testing.T) {
			a, err := Open(writeArchive(t, comp, imageEntries()...))
			require.NoError(t, err)

			entries, err := a.Manifest()
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, []string{"myimg:latest", "myimg:1.0"}, entries[0].RepoTags)
			assert.Equal(t, "config.json", entries[0].Config)
			assert.Equal(t, []string{"layer1/layer.tar", "layer2/layer.tar"}, entries[0].Layers)
		})
	}
}

func TestManifestEmpty(t *testing.T) {
	a, err := Open(writeArchive(t, plain, file("manifest.json", "[]")))
	require.NoError(t, err)

	_, err = a.Manifest()
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestConfig(t *testing.T) {
	a, err := Open(writeArchive(t, plain, imageEntries()...))
	require.NoError(t, err)

	img, err := a.Config("./config.json")
	require.NoError(t, err)
	assert.Equal(t, "amd64", img.Architecture)
	assert.Equal(t, "linux", img.OS)
	assert.Len(t, img.RootFS.DiffIDs, 2)
}

func TestReadJSONErrors(t *testing.T) {
	a, err := Open(writeArchive(t, plain,
		file("manifest.json", sourceManifest),
		file("broken.json", "{not json"),
		file("latin1.json", "\"caf\xe9\""),
	))
	require.NoError(t, err)

	var v any
	err = a.ReadJSON("missing.json", &v)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.True(t, errdefs.IsNotFound(err))

	err = a.ReadJSON("broken.json", &v)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.False(t, errdefs.IsNotFound(err))

	err = a.ReadJSON("latin1.json", &v)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestReadFileFollowsLinks(t *testing.T) {
	a, err := Open(writeArchive(t, plain,
		file("aaa/layer.tar", "shared"),
		entry{name: "bbb/layer.tar", typeflag: tar.TypeSymlink, linkname: "../aaa/layer.tar"},
		entry{name: "ccc/layer.tar", typeflag: tar.TypeLink, linkname: "aaa/layer.tar"},
		entry{name: "loop", typeflag: tar.TypeSymlink, linkname: "loop"},
	))
	require.NoError(t, err)

	data, err := a.ReadFile("bbb/layer.tar")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))

	data, err = a.ReadFile("ccc/layer.tar")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))

	_, err = a.ReadFile("loop")
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractAll(t *testing.T) {
	a, err := Open(writeArchive(t, gzipped, append(imageEntries(),
		entry{name: "layer3/layer.tar", typeflag: tar.TypeSymlink, linkname: "../layer1/layer.tar"},
		file("../escaped.txt", "anchored at the root"),
	)...))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, a.ExtractAll(dir))

	data, err := os.ReadFile(filepath.Join(dir, "layer2", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer two", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "layer3", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer one", string(data), "Symlinked layer must resolve to the shared copy.")

	data, err = os.ReadFile(filepath.Join(dir, "escaped.txt"))
	require.NoError(t, err)
	assert.Equal(t, "anchored at the root", string(data))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escaped.txt"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".extract-", "Staging directory must be removed.")
	}

	require.NoError(t, Verify(dir, ManifestEntry{
		Config: "config.json",
		Layers: []string{"layer1/layer.tar", "layer2/layer.tar", "layer3/layer.tar"},
	}))
}

func TestExtractAllIsAllOrNothing(t *testing.T) {
	a, err := Open(writeArchive(t, plain,
		file("manifest.json", sourceManifest),
		file("config.json", "{}"),
		entry{name: "evil", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"},
	))
	require.NoError(t, err)

	dir := t.TempDir()
	err = a.ExtractAll(dir)
	require.ErrorIs(t, err, ErrExtraction)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "Nothing must be extracted when the archive is rejected.")
}

func TestVerify(t *testing.T) {
	a, err := Open(writeArchive(t, plain, imageEntries()...))
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, a.ExtractAll(dir))

	err = Verify(dir, ManifestEntry{Config: "config.json", Layers: []string{"layer1/layer.tar", "missing/layer.tar"}})
	require.ErrorIs(t, err, ErrExtraction)
	assert.True(t, errdefs.IsNotFound(err))

	err = Verify(dir, ManifestEntry{Config: "layer1", Layers: nil})
	assert.ErrorIs(t, err, ErrExtraction, "A directory is not a blob.")
}

func TestExtractAllRejectsSymlinkEscapes(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name: "through symlinked parent",
			entries: []entry{
				{name: "a", typeflag: tar.TypeSymlink, linkname: "."},
				{name: "a/b/", typeflag: tar.TypeDir},
				{name: "a/b/l", typeflag: tar.TypeSymlink, linkname: "../../secret"},
			},
		},
		{
			name: "through symlink in target",
			entries: []entry{
				{name: "c", typeflag: tar.TypeSymlink, linkname: "."},
				{name: "l", typeflag: tar.TypeSymlink, linkname: "c/../secret"},
			},
		},
		{
			name: "target replaced after the link",
			entries: []entry{
				{name: "l", typeflag: tar.TypeSymlink, linkname: "c/../secret"},
				{name: "c", typeflag: tar.TypeSymlink, linkname: "."},
			},
		},
		{
			name: "absolute",
			entries: []entry{
				{name: "l", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Open(writeArchive(t, plain, append([]entry{file("manifest.json", sourceManifest)},
				tt.entries...)...))
			require.NoError(t, err)

			parent := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("outside"), 0o644))
			dir := filepath.Join(parent, "work")
			require.NoError(t, os.Mkdir(dir, 0o755))

			err = a.ExtractAll(dir)
			require.ErrorIs(t, err, ErrExtraction)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestExtractAllKeepsSymlinkedParentsInside(t *testing.T) {
	a, err := Open(writeArchive(t, plain,
		entry{name: "a", typeflag: tar.TypeSymlink, linkname: "."},
		entry{name: "a/b/", typeflag: tar.TypeDir},
		file("a/b/layer.tar", "layer"),
		entry{name: "a/b/l", typeflag: tar.TypeSymlink, linkname: "layer.tar"},
	))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, a.ExtractAll(dir))

	data, err := os.ReadFile(filepath.Join(dir, "b", "layer.tar"))
	require.NoError(t, err)
	assert.Equal(t, "layer", string(data))

	require.NoError(t, Verify(dir, ManifestEntry{Config: "a/b/layer.tar", Layers: []string{"a/b/l"}}))
}

func TestEntryPathStaysInDir(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret"), []byte("outside"), 0o644))
	dir := filepath.Join(parent, "work")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b"), 0o755))
	require.NoError(t, os.Symlink("../../secret", filepath.Join(dir, "b", "l")))

	p, err := EntryPath(dir, "b/l")
	require.NoError(t, err)
	rel, err := filepath.Rel(dir, p)
	require.NoError(t, err)
	assert.False(t, rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)),
		"Resolved path %s must stay in %s.", p, dir)

	_, err = os.ReadFile(p)
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = Verify(dir, ManifestEntry{Config: "b/l"})
	require.ErrorIs(t, err, ErrExtraction)
	assert.True(t, errdefs.IsNotFound(err))
}
