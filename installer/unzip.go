package installer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Unzip extracts the zip archive read from r into dest, entry by entry.
// Directory entries create directories; file entries are copied byte for
// byte, creating parent directories as needed. A failure part-way through
// leaves whatever was already written in place.
func Unzip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	for _, f := range zr.File {
		if err := extractAndWriteFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

// UnzipFile extracts the zip archive at src into dest.
func UnzipFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return Unzip(f, info.Size(), dest)
}

func extractAndWriteFile(f *zip.File, dest string) error {
	path := filepath.Join(dest, f.Name)

	// Check for ZipSlip (Directory traversal). "./" entries resolve to dest.
	root := filepath.Clean(dest)
	if path != root && !strings.HasPrefix(path, root+string(os.PathSeparator)) {
		return fmt.Errorf("illegal file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(path, dirMode(f))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode(f))
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return out.Close()
}

// Archives built without unix attributes report a zero mode; fall back to
// sane defaults so extracted files stay readable.
func fileMode(f *zip.File) os.FileMode {
	mode := f.Mode().Perm()
	if mode == 0 {
		return 0644
	}
	return mode
}

func dirMode(f *zip.File) os.FileMode {
	mode := f.Mode().Perm()
	if mode == 0 {
		return 0755
	}
	return mode | 0700
}
