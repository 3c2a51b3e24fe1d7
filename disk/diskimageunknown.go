package disk

import (
	"fmt"
	"strings"
	"time"
)

// UnknownDriver backs images no filesystem probe claimed. The root exists
// and is empty; the sector and boot special files still work through the
// gateway, so raw images stay inspectable.

type UnknownDriver struct{}

func (d *UnknownDriver) ID() DriverID { return DRIVER_UNKNOWN }

func (d *UnknownDriver) Name() string { return "unknown" }

func (d *UnknownDriver) Probe(w *ATRWrapper) bool { return true }

func (d *UnknownDriver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	if len(splitPath(path)) == 0 {
		return FileInfo{Name: "/", IsDir: true}, nil
	}
	return FileInfo{}, ErrNotFound
}

func (d *UnknownDriver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	if len(splitPath(path)) == 0 {
		return nil
	}
	return ErrNotFound
}

func (d *UnknownDriver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	if len(splitPath(path)) == 0 {
		return nil, ErrIsDir
	}
	return nil, ErrNotFound
}

func (d *UnknownDriver) WriteFile(w *ATRWrapper, path string, data []byte) error {
	return ErrReadOnly
}

func (d *UnknownDriver) Create(w *ATRWrapper, path string) error { return ErrReadOnly }

func (d *UnknownDriver) Truncate(w *ATRWrapper, path string, size int) error { return ErrReadOnly }

func (d *UnknownDriver) Unlink(w *ATRWrapper, path string) error { return ErrReadOnly }

func (d *UnknownDriver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	return ErrReadOnly
}

func (d *UnknownDriver) Mkdir(w *ATRWrapper, path string) error { return ErrReadOnly }

func (d *UnknownDriver) Rmdir(w *ATRWrapper, path string) error { return ErrReadOnly }

func (d *UnknownDriver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	return ErrReadOnly
}

func (d *UnknownDriver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	return ErrReadOnly
}

func (d *UnknownDriver) StatFS(w *ATRWrapper) (StatFS, error) {
	return StatFS{SectorSize: w.SectorSize}, nil
}

func (d *UnknownDriver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "No recognised filesystem\n")
	fmt.Fprintf(&sb, "Geometry:  %s\n", w.Geometry())
	fmt.Fprintf(&sb, "Checksum:  %s\n", w.Checksum())
	return sb.String()
}

func (d *UnknownDriver) NewFS(w *ATRWrapper, opt NewFSOptions) error { return ErrUnsupported }
