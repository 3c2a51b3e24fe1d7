package disk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshDOS4(t *testing.T, secsize, sectors int) (*DOS4Driver, *ATRWrapper) {
	w, err := CreateATRBin(secsize, sectors)
	require.Nil(t, err)
	d := &DOS4Driver{}
	require.Nil(t, d.NewFS(w, NewFSOptions{}))
	return d, w
}

func TestDOS4NewFSLayout(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 720, st.TotalSectors)
	require.Equal(t, 696, st.FreeSectors)
	require.Equal(t, 64, st.TotalEntries)

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS 4 filesystem")
	require.Contains(t, info, "Format code:        R")
	require.Contains(t, info, "Cluster size:       6 sectors")
	require.Contains(t, info, "Total clusters:     120")
	require.Contains(t, info, "Free clusters:      116")
	require.Contains(t, info, "First free cluster: 9")
	require.Contains(t, info, "Directory entries:  0 of 64 used")

	require.Equal(t, DRIVER_DOS4, Identify(w).ID())
}

func TestDOS4WriteReadRoundTrip(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	data := fill(700)
	require.Nil(t, d.WriteFile(w, "/PAYROLL.DAT", data))

	fi, err := d.GetAttr(w, "/PAYROLL.DAT")
	require.Nil(t, err)
	require.Equal(t, 700, fi.Size)
	require.Equal(t, 7, fi.Start)

	back, err := d.ReadFile(w, "/PAYROLL.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	// one six sector cluster gone
	st, _ := d.StatFS(w)
	require.Equal(t, 690, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/PAYROLL.DAT"))
	st, _ = d.StatFS(w)
	require.Equal(t, 696, st.FreeSectors)
	info := d.FSInfo(w)
	require.Contains(t, info, "First free cluster: 9")
}

func TestDOS4MultiCluster(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	// 2000 bytes spans three clusters
	data := fill(2000)
	require.Nil(t, d.WriteFile(w, "/SPAN.BIN", data))
	fi, err := d.GetAttr(w, "/SPAN.BIN")
	require.Nil(t, err)
	require.Equal(t, 2000, fi.Size)

	back, err := d.ReadFile(w, "/SPAN.BIN")
	require.Nil(t, err)
	require.Equal(t, data, back)

	st, _ := d.StatFS(w)
	require.Equal(t, 696-18, st.FreeSectors)

	// an exact cluster multiple round trips too
	exact := fill(768)
	require.Nil(t, d.WriteFile(w, "/EXACT.BIN", exact))
	fi, err = d.GetAttr(w, "/EXACT.BIN")
	require.Nil(t, err)
	require.Equal(t, 768, fi.Size)
	back, err = d.ReadFile(w, "/EXACT.BIN")
	require.Nil(t, err)
	require.Equal(t, exact, back)
}

func TestDOS4TruncateToZero(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(100)))
	require.ErrorIs(t, d.Truncate(w, "/A.DAT", 0), ErrUnsupported)

	require.Nil(t, d.Truncate(w, "/A.DAT", 40))
	back, err := d.ReadFile(w, "/A.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(100)[:40], back)

	require.Nil(t, d.Truncate(w, "/A.DAT", 900))
	fi, err := d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	require.Equal(t, 900, fi.Size)
}

func TestDOS4EnhancedDensity(t *testing.T) {
	d, w := freshDOS4(t, 128, 1040)

	info := d.FSInfo(w)
	require.Contains(t, info, "Format code:        C")
	require.Contains(t, info, "Total clusters:     173")
	require.Contains(t, info, "Free clusters:      169")

	require.Equal(t, DRIVER_DOS4, Identify(w).ID())

	data := fill(3000)
	require.Nil(t, d.WriteFile(w, "/ED.BIN", data))
	back, err := d.ReadFile(w, "/ED.BIN")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestDOS4DoubleDensity(t *testing.T) {
	d, w := freshDOS4(t, 256, 720)

	info := d.FSInfo(w)
	require.Contains(t, info, "Cluster size:       3 sectors")

	data := fill(1000)
	require.Nil(t, d.WriteFile(w, "/DD.BIN", data))
	back, err := d.ReadFile(w, "/DD.BIN")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestDOS4CorruptFreeList(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)
	require.True(t, d.Probe(w))

	g, ok := dos4Geom(w)
	require.True(t, ok)
	v, err := d.readVTOC(w, g)
	require.Nil(t, err)

	// thread the free chain backwards so the walk sees a descending link
	v.SetHead(10)
	v.SetFreeCount(2)
	v.SetMap(10, 9)
	v.SetMap(9, 0)
	require.Nil(t, v.Publish(w))

	require.False(t, d.Probe(w))
	require.Equal(t, DRIVER_UNKNOWN, Identify(w).ID())

	_, err = v.freeList()
	require.ErrorIs(t, err, ErrIO)
}

func TestDOS4LockedAndRename(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	require.Nil(t, d.WriteFile(w, "/KEEP.DAT", fill(64)))
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", true))
	require.ErrorIs(t, d.WriteFile(w, "/KEEP.DAT", fill(8)), ErrReadOnly)
	require.ErrorIs(t, d.Unlink(w, "/KEEP.DAT"), ErrReadOnly)
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", false))

	require.Nil(t, d.WriteFile(w, "/OTHER.DAT", fill(32)))
	require.ErrorIs(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", RENAME_NOREPLACE), ErrExists)

	require.Nil(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", RENAME_EXCHANGE))
	back, _ := d.ReadFile(w, "/KEEP.DAT")
	require.Equal(t, fill(32), back)
	back, _ = d.ReadFile(w, "/OTHER.DAT")
	require.Equal(t, fill(64), back)

	require.Nil(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", 0))
	back, _ = d.ReadFile(w, "/OTHER.DAT")
	require.Equal(t, fill(32), back)
	_, err := d.GetAttr(w, "/KEEP.DAT")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDOS4NoDirectories(t *testing.T) {
	d, w := freshDOS4(t, 128, 720)

	require.ErrorIs(t, d.Mkdir(w, "/SUB"), ErrUnsupported)
	require.ErrorIs(t, d.WriteFile(w, "/SUB/F.DAT", nil), ErrNotDir)
	require.ErrorIs(t, d.Rmdir(w, "/"), ErrBusy)
}
