package courseio

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

// maxArchiveFile bounds one unpacked file.
const maxArchiveFile = 64 << 20

// WriteArchive packs every file under dir into w as a zstd-compressed tar
// stream. Entries are sorted so equal trees produce equal archives.
func WriteArchive(w io.Writer, dir string) error {
	fsys := os.DirFS(dir)
	names, err := doublestar.Glob(fsys, "**", doublestar.WithFilesOnly())
	if err != nil {
		return err
	}
	slices.Sort(names)

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			zw.Close()
			return err
		}
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			zw.Close()
			return err
		}
		if _, err := tw.Write(data); err != nil {
			zw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadArchive unpacks an archive written by WriteArchive into dir.
func ReadArchive(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !filepath.IsLocal(hdr.Name) {
			return fmt.Errorf("archive entry %q escapes the target directory", hdr.Name)
		}
		if hdr.Size > maxArchiveFile {
			return fmt.Errorf("archive entry %q is too large (%d bytes)", hdr.Name, hdr.Size)
		}
		path := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
}
