package workspace

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// packDir writes an uncompressed tar of dir to dst. Entry names are relative
// to dir and start with "./".
func packDir(ctx context.Context, dir, dst string) (Archive, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return Archive{}, fmt.Errorf("create archive: %w", err)
	}

	hasher := blake3.New()
	counter := &countingWriter{}
	tw := tar.NewWriter(io.MultiWriter(out, hasher, counter))

	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return addEntry(tw, dir, p, d)
	})

	closeErr := tw.Close()
	fileErr := out.Close()
	if err := errors.Join(walkErr, closeErr, fileErr); err != nil {
		_ = os.Remove(dst)
		return Archive{}, fmt.Errorf("pack %s: %w", dir, err)
	}

	return Archive{
		Path:   dst,
		Size:   counter.n,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func addEntry(tw *tar.Writer, root, p string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(root, p)
	if err != nil {
		return err
	}
	name := "./"
	if rel != "." {
		name = "./" + filepath.ToSlash(rel)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""
	hdr.Uid, hdr.Gid = 0, 0

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Digest returns the hex BLAKE3 digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Extract unpacks the tar stream r into dst, which must exist. Entries that
// would land outside dst, absolute or escaping symlinks, and special files
// are rejected.
func Extract(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		rel, err := safeRelPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		mode := os.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			_, copyErr := io.Copy(f, tr)
			if err := errors.Join(copyErr, f.Close()); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if path.IsAbs(hdr.Linkname) {
				return fmt.Errorf("extract %s: absolute symlink target %q", hdr.Name, hdr.Linkname)
			}
			if _, err := safeRelPath(path.Join(path.Dir(rel), hdr.Linkname)); err != nil {
				return fmt.Errorf("extract %s: symlink escapes archive root", hdr.Name)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		default:
			return fmt.Errorf("extract %s: unsupported entry type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

// safeRelPath cleans an archive entry name and rejects names that are
// absolute or climb out of the extraction root.
func safeRelPath(name string) (string, error) {
	if name == "" || path.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q: invalid path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the extraction root", name)
	}
	return clean, nil
}
