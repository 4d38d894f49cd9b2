package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
)

// ExtractAll extracts the whole archive into dir. The extraction is all-or-nothing: the content is written to
// a staging directory within dir first and moved into place only if every entry was extracted successfully.
func (a *Archive) ExtractAll(dir string) error {
	staging, err := os.MkdirTemp(dir, ".extract-")
	if err != nil {
		return fmt.Errorf("%w: create staging directory: %w", ErrExtraction, err)
	}
	defer os.RemoveAll(staging)

	log := logrus.WithField("archive", a.path)
	count := 0
	err = a.walk(func(hdr *tar.Header, r io.Reader) (bool, error) {
		name := cleanName(hdr.Name)
		if name == "" {
			return false, nil
		}
		if err := extractEntry(staging, name, hdr, r); err != nil {
			return true, fmt.Errorf("extract '%s': %w", hdr.Name, err)
		}
		count++
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	// A link accepted when it was written may escape through a symlink extracted after it.
	if err = checkLinks(staging); err != nil {
		return fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("%w: read staging directory: %w", ErrExtraction, err)
	}
	for _, e := range entries {
		if err = os.Rename(filepath.Join(staging, e.Name()), filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("%w: move '%s' into place: %w", ErrExtraction, e.Name(), err)
		}
	}
	log.WithFields(logrus.Fields{"dir": dir, "entries": count}).Debug("Extracted image archive.")

	return nil
}

// extractEntry writes a single archive entry with the cleaned name under root. Symlinks in the parent directories
// of name are resolved within root.
func extractEntry(root, name string, hdr *tar.Header, r io.Reader) error {
	if hdr.Typeflag == tar.TypeDir {
		dir, err := securejoin.SecureJoin(root, filepath.FromSlash(name))
		if err != nil {
			return err
		}
		return os.MkdirAll(dir, 0o755)
	}

	parent, err := securejoin.SecureJoin(root, filepath.FromSlash(path.Dir(name)))
	if err != nil {
		return err
	}
	target := filepath.Join(parent, path.Base(name))

	switch hdr.Typeflag {
	case tar.TypeReg:
		if err = os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
		if err = removeLink(target); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm()|0o600)
		if err != nil {
			return err
		}
		if _, err = io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if err = os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
		if err = checkLink(root, parent, hdr.Linkname); err != nil {
			return err
		}
		if err = os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linkName := cleanName(hdr.Linkname)
		if linkName == "" {
			return fmt.Errorf("invalid hardlink target '%s'", hdr.Linkname)
		}
		src, err := securejoin.SecureJoin(root, filepath.FromSlash(linkName))
		if err != nil {
			return err
		}
		if err = os.MkdirAll(parent, 0o755); err != nil {
			return err
		}
		if err = os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Link(src, target)
	default:
		logrus.WithFields(logrus.Fields{
			"name": hdr.Name,
			"type": string(hdr.Typeflag),
		}).Debug("Skipped unsupported archive entry.")
		return nil
	}
}

// removeLink removes the symlink at p so that writing p doesn't write through it.
func removeLink(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return os.Remove(p)
	}
	return nil
}

// checkLinks checks every symlink under root with checkLink.
func checkLinks(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.Type()&fs.ModeSymlink == 0 {
			return err
		}
		linkname, err := os.Readlink(p)
		if err != nil {
			return err
		}
		if err = checkLink(root, filepath.Dir(p), linkname); err != nil {
			rel, _ := filepath.Rel(root, p)
			return fmt.Errorf("'%s': %w", filepath.ToSlash(rel), err)
		}
		return nil
	})
}

// checkLink returns an error if a symlink in dir with the given target resolves outside root. dir must be
// a directory within root without symlinks in its path. The target is resolved on disk following the symlinks
// it passes through. Components that don't exist yet are resolved lexically.
func checkLink(root, dir, linkname string) error {
	escape := fmt.Errorf("symlink to '%s' points outside the archive", linkname)
	if path.IsAbs(linkname) || filepath.IsAbs(linkname) {
		return escape
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return err
	}

	var cur []string
	if rel != "." {
		cur = strings.Split(filepath.ToSlash(rel), "/")
	}
	pending := strings.Split(filepath.ToSlash(linkname), "/")
	for hops := 0; len(pending) > 0; {
		c := pending[0]
		pending = pending[1:]
		switch c {
		case "", ".":
			continue
		case "..":
			if len(cur) == 0 {
				return escape
			}
			cur = cur[:len(cur)-1]
			continue
		}

		cur = append(cur, c)
		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(path.Join(cur...))))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}

		if hops++; hops > maxLinkHops {
			return fmt.Errorf("too many levels of symlinks resolving '%s'", linkname)
		}
		next, err := os.Readlink(filepath.Join(root, filepath.FromSlash(path.Join(cur...))))
		if err != nil {
			return err
		}
		if path.IsAbs(next) || filepath.IsAbs(next) {
			return escape
		}
		cur = cur[:len(cur)-1]
		pending = append(strings.Split(filepath.ToSlash(next), "/"), pending...)
	}
	return nil
}
