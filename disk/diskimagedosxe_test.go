package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshXE(t *testing.T) (*XEDriver, *ATRWrapper) {
	w, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	d := &XEDriver{}
	require.Nil(t, d.NewFS(w, NewFSOptions{}))
	return d, w
}

func TestXENewFSLayout(t *testing.T) {
	d, w := freshXE(t)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 720, st.TotalSectors)
	require.Equal(t, 710, st.FreeSectors)
	require.Equal(t, 12, st.NameLen)

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS XE filesystem")
	require.Contains(t, info, "Volume number:     $")
	require.Contains(t, info, "Total clusters:    360")
	require.Contains(t, info, "Free clusters:     355")
	require.Contains(t, info, "Cluster size:      256 bytes (250 payload)")
	require.Contains(t, info, "File sequence:     1")
	require.Contains(t, info, "Root dir cluster:  5")

	require.Equal(t, DRIVER_DOSXE, Identify(w).ID())

	fi, err := d.GetAttr(w, "/")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	require.Equal(t, 9, fi.Start)
	require.Equal(t, 256, fi.Size)
}

func TestXEWriteReadRoundTrip(t *testing.T) {
	d, w := freshXE(t)

	data := fill(300)
	require.Nil(t, d.WriteFile(w, "/LEDGER.DAT", data))

	fi, err := d.GetAttr(w, "/LEDGER.DAT")
	require.Nil(t, err)
	require.Equal(t, 300, fi.Size)
	require.Equal(t, 15, fi.Start)
	require.False(t, fi.IsDir)

	back, err := d.ReadFile(w, "/LEDGER.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	// two data clusters plus the map cluster
	st, _ := d.StatFS(w)
	require.Equal(t, 710-6, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/LEDGER.DAT"))
	_, err = d.GetAttr(w, "/LEDGER.DAT")
	require.ErrorIs(t, err, ErrNotFound)
	st, _ = d.StatFS(w)
	require.Equal(t, 710, st.FreeSectors)
}

func TestXEPayloadBoundary(t *testing.T) {
	d, w := freshXE(t)

	// an exact multiple of the 250 byte payload
	data := fill(500)
	require.Nil(t, d.WriteFile(w, "/EXACT.BIN", data))
	fi, err := d.GetAttr(w, "/EXACT.BIN")
	require.Nil(t, err)
	require.Equal(t, 500, fi.Size)
	back, err := d.ReadFile(w, "/EXACT.BIN")
	require.Nil(t, err)
	require.Equal(t, data, back)

	data = fill(501)
	require.Nil(t, d.WriteFile(w, "/OVER.BIN", data))
	back, err = d.ReadFile(w, "/OVER.BIN")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestXEDayResolutionDates(t *testing.T) {
	d, w := freshXE(t)

	before := time.Now()
	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(10)))
	after := time.Now()

	fi, err := d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	lo := time.Date(before.Year(), before.Month(), before.Day(), 0, 0, 0, 0, time.UTC)
	hi := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, time.UTC)
	require.True(t, fi.MTime.Equal(lo) || fi.MTime.Equal(hi))

	// the stamp keeps the day and drops the time
	require.Nil(t, d.Utime(w, "/A.DAT", time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC)))
	fi, err = d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	require.True(t, fi.MTime.Equal(time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))
}

func TestXESubdirs(t *testing.T) {
	d, w := freshXE(t)

	require.Nil(t, d.Mkdir(w, "/ARC"))
	st, _ := d.StatFS(w)
	require.Equal(t, 708, st.FreeSectors)

	fi, err := d.GetAttr(w, "/ARC")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	require.Equal(t, 256, fi.Size)

	data := fill(300)
	require.Nil(t, d.WriteFile(w, "/ARC/INNER.DAT", data))
	back, err := d.ReadFile(w, "/ARC/INNER.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	var names []string
	err = d.ReadDir(w, "/ARC", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, []string{"INNER.DAT"}, names)

	require.ErrorIs(t, d.Rmdir(w, "/ARC"), ErrNotEmpty)
	require.Nil(t, d.Unlink(w, "/ARC/INNER.DAT"))
	require.Nil(t, d.Rmdir(w, "/ARC"))
	st, _ = d.StatFS(w)
	require.Equal(t, 710, st.FreeSectors)
}

func TestXELockedAndRename(t *testing.T) {
	d, w := freshXE(t)

	require.Nil(t, d.WriteFile(w, "/KEEP.DAT", fill(64)))
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", true))

	fi, _ := d.GetAttr(w, "/KEEP.DAT")
	require.True(t, fi.Locked)
	require.ErrorIs(t, d.WriteFile(w, "/KEEP.DAT", fill(8)), ErrReadOnly)
	require.ErrorIs(t, d.Unlink(w, "/KEEP.DAT"), ErrReadOnly)
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", false))

	require.Nil(t, d.WriteFile(w, "/OTHER.DAT", fill(32)))
	require.ErrorIs(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", RENAME_NOREPLACE), ErrExists)

	require.Nil(t, d.Rename(w, "/KEEP.DAT", "/NEW.DAT", 0))
	back, err := d.ReadFile(w, "/NEW.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(64), back)
	_, err = d.GetAttr(w, "/KEEP.DAT")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestXEProbeRejectsOthers(t *testing.T) {
	blank, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	d := &XEDriver{}
	require.False(t, d.Probe(blank))

	_, w := freshDOS2(t, DRIVER_DOS2, 128, 720)
	require.False(t, d.Probe(w))

	_, wx := freshXE(t)
	require.False(t, (&DOS2Driver{variant: DRIVER_DOS2}).Probe(wx))
}
