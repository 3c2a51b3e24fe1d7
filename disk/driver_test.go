package disk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestDriverIDByName(t *testing.T) {
	id, err := DriverIDByName("sparta")
	require.Nil(t, err)
	require.Equal(t, DRIVER_SPARTA, id)

	id, err = DriverIDByName("  MyDOS ")
	require.Nil(t, err)
	require.Equal(t, DRIVER_MYDOS, id)

	_, err = DriverIDByName("fat32")
	require.ErrorIs(t, err, ErrInvalidArg)

	require.Equal(t, "dos25", DRIVER_DOS25.String())
	require.Equal(t, "unknown", DriverID(99).String())
}

func TestDriverFor(t *testing.T) {
	for _, id := range []DriverID{
		DRIVER_DOS1, DRIVER_DOS2, DRIVER_DOS20D, DRIVER_DOS25, DRIVER_MYDOS,
		DRIVER_SPARTA, DRIVER_DOS3, DRIVER_DOS4, DRIVER_DOSXE, DRIVER_LITEDOS,
	} {
		require.Equal(t, id, DriverFor(id).ID())
	}
	require.Equal(t, DRIVER_UNKNOWN, DriverFor(DriverID(99)).ID())
}

func TestErrno(t *testing.T) {
	require.Equal(t, 0, Errno(nil))
	require.Equal(t, 0, Errno(ErrEndOfFile))
	require.Equal(t, -int(unix.ENOENT), Errno(ErrNotFound))
	require.Equal(t, -int(unix.ENOSPC), Errno(ErrNoInodes))
	require.Equal(t, -int(unix.EROFS), Errno(ErrReadOnly))
	require.Equal(t, -int(unix.EXDEV), Errno(ErrCrossDevice))
	require.Equal(t, -int(unix.EEXIST), Errno(fmt.Errorf("mkdir: %w", ErrExists)))
	require.Equal(t, -int(unix.EIO), Errno(fmt.Errorf("something else")))
}

func TestUnknownDriverSurface(t *testing.T) {
	w, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	d := &UnknownDriver{}

	fi, err := d.GetAttr(w, "/")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	_, err = d.GetAttr(w, "/ANYTHING")
	require.ErrorIs(t, err, ErrNotFound)

	seen := 0
	require.Nil(t, d.ReadDir(w, "/", func(FileInfo) error { seen++; return nil }))
	require.Equal(t, 0, seen)

	_, err = d.ReadFile(w, "/X")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, d.WriteFile(w, "/X", nil), ErrReadOnly)
	require.ErrorIs(t, d.Mkdir(w, "/X"), ErrReadOnly)
	require.ErrorIs(t, d.Utime(w, "/X", time.Now()), ErrReadOnly)
	require.ErrorIs(t, d.NewFS(w, NewFSOptions{}), ErrUnsupported)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 128, st.SectorSize)
	require.Equal(t, 0, st.TotalSectors)

	info := d.FSInfo(w)
	require.Contains(t, info, "No recognised filesystem")
	require.Contains(t, info, "Geometry:")
	require.Contains(t, info, "Checksum:")
}
