package disk

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Error kinds shared by every driver. The bridge maps these onto negative
// errno values via Errno; drivers return them unwrapped so callers can test
// with errors.Is. Context that would otherwise go into wrapped messages goes
// to the logger instead.
var (
	ErrNotFound    = errors.New("file not found")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrExists      = errors.New("file exists")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrNoSpace     = errors.New("no space left on image")
	ErrNoInodes    = errors.New("directory full")
	ErrReadOnly    = errors.New("read-only image")
	ErrBusy        = errors.New("image busy")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrCrossDevice = errors.New("cross-partition operation")
	ErrIO          = errors.New("i/o error")
	ErrEndOfFile   = errors.New("end of file")
	ErrOutOfMem    = errors.New("out of memory")
	ErrUnsupported = errors.New("operation not supported")
)

// Container geometry errors.
var (
	ErrBadSignature  = errors.New("bad image signature")
	ErrBadSectorSize = errors.New("bad sector size")
	ErrTruncated     = errors.New("image truncated")
	ErrOutOfRange    = errors.New("sector out of range")
)

// Errno converts a driver error to the negative errno the kernel bridge
// expects. ErrEndOfFile is 0: a read past EOF is a zero-byte result, not a
// failure. Unknown errors fall back to -EIO.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	for _, m := range errnoMap {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}
	return -int(unix.EIO)
}

var errnoMap = []struct {
	err   error
	errno int
}{
	{ErrNotFound, -int(unix.ENOENT)},
	{ErrNotDir, -int(unix.ENOTDIR)},
	{ErrIsDir, -int(unix.EISDIR)},
	{ErrExists, -int(unix.EEXIST)},
	{ErrNotEmpty, -int(unix.ENOTEMPTY)},
	{ErrNoSpace, -int(unix.ENOSPC)},
	{ErrNoInodes, -int(unix.ENOSPC)},
	{ErrReadOnly, -int(unix.EROFS)},
	{ErrBusy, -int(unix.EBUSY)},
	{ErrInvalidArg, -int(unix.EINVAL)},
	{ErrCrossDevice, -int(unix.EXDEV)},
	{ErrIO, -int(unix.EIO)},
	{ErrEndOfFile, 0},
	{ErrOutOfMem, -int(unix.ENOMEM)},
	{ErrUnsupported, -int(unix.ENOSYS)},
	{ErrBadSignature, -int(unix.EINVAL)},
	{ErrBadSectorSize, -int(unix.EINVAL)},
	{ErrTruncated, -int(unix.EIO)},
	{ErrOutOfRange, -int(unix.EINVAL)},
}
