package disk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshLite(t *testing.T, sectors, cluster int) (*LiteDOSDriver, *ATRWrapper) {
	w, err := CreateATRBin(128, sectors)
	require.Nil(t, err)
	d := &LiteDOSDriver{}
	require.Nil(t, d.NewFS(w, NewFSOptions{Cluster: cluster}))
	return d, w
}

func TestLiteDOSNewFSLayout(t *testing.T) {
	d, w := freshLite(t, 720, 0)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 128, st.SectorSize)
	require.Equal(t, 720, st.TotalSectors)
	require.Equal(t, 708, st.FreeSectors)
	require.Equal(t, 30, st.TotalEntries)
	require.Equal(t, 30, st.FreeEntries)
	require.Equal(t, 12, st.NameLen)

	info := d.FSInfo(w)
	require.Contains(t, info, "LiteDOS filesystem")
	require.Contains(t, info, "Cluster size:       4 sectors")
	require.Contains(t, info, "Total clusters:     180")
	require.Contains(t, info, "Free clusters:      177")
	require.Contains(t, info, "Directory entries:  0 of 30 used")

	require.Equal(t, DRIVER_LITEDOS, Identify(w).ID())

	fi, err := d.GetAttr(w, "/")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	require.Equal(t, 480, fi.Size)
	require.Equal(t, 360, fi.Start)
}

func TestLiteDOSClusterOptions(t *testing.T) {
	d, w := freshLite(t, 720, 2)
	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 720, st.TotalSectors)
	require.Equal(t, 714, st.FreeSectors)
	require.Equal(t, 12, st.TotalEntries)

	bad, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	require.ErrorIs(t, d.NewFS(bad, NewFSOptions{Cluster: 3}), ErrInvalidArg)

	tiny, err := CreateATRBin(128, 370)
	require.Nil(t, err)
	require.ErrorIs(t, d.NewFS(tiny, NewFSOptions{}), ErrInvalidArg)

	// sector links are 10 bits, so big disks are clipped at the limit
	ld, lw := freshLite(t, 1040, 4)
	require.Contains(t, ld.FSInfo(lw), "Total clusters:     255")
}

func TestLiteDOSWriteReadRoundTrip(t *testing.T) {
	d, w := freshLite(t, 720, 0)

	data := fill(300)
	require.Nil(t, d.WriteFile(w, "/LEDGER.DAT", data))

	fi, err := d.GetAttr(w, "/LEDGER.DAT")
	require.Nil(t, err)
	require.Equal(t, 300, fi.Size)
	require.Equal(t, 5, fi.Start)
	require.False(t, fi.Locked)

	back, err := d.ReadFile(w, "/LEDGER.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	st, _ := d.StatFS(w)
	require.Equal(t, 704, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/LEDGER.DAT"))
	_, err = d.GetAttr(w, "/LEDGER.DAT")
	require.ErrorIs(t, err, ErrNotFound)
	st, _ = d.StatFS(w)
	require.Equal(t, 708, st.FreeSectors)
}

func TestLiteDOSClusterGranularity(t *testing.T) {
	d, w := freshLite(t, 720, 0)

	// five data sectors round up to two clusters
	require.Nil(t, d.WriteFile(w, "/BIG.DAT", fill(600)))
	st, _ := d.StatFS(w)
	require.Equal(t, 700, st.FreeSectors)

	back, err := d.ReadFile(w, "/BIG.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(600), back)
}

func TestLiteDOSChainValidation(t *testing.T) {
	d, w := freshLite(t, 720, 0)
	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(300)))

	// stamp a foreign file id into the middle of the chain
	s, err := w.SectorSlice(6)
	require.Nil(t, err)
	s[len(s)-3] = byte(7<<2) | s[len(s)-3]&3

	_, err = d.ReadFile(w, "/A.DAT")
	require.ErrorIs(t, err, ErrIO)
}

func TestLiteDOSSlotExhaustion(t *testing.T) {
	d, w := freshLite(t, 720, 0)
	for i := 0; i < 30; i++ {
		require.Nil(t, d.Create(w, fmt.Sprintf("/F%d.DAT", i)))
	}
	require.ErrorIs(t, d.Create(w, "/ONEMORE.DAT"), ErrNoInodes)
}

func TestLiteDOSNoSubdirs(t *testing.T) {
	d, w := freshLite(t, 720, 0)
	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(10)))

	require.ErrorIs(t, d.Mkdir(w, "/SUB"), ErrUnsupported)
	require.ErrorIs(t, d.Rmdir(w, "/"), ErrBusy)
	require.ErrorIs(t, d.Rmdir(w, "/A.DAT"), ErrNotDir)
	require.ErrorIs(t, d.ReadDir(w, "/A.DAT", func(FileInfo) error { return nil }), ErrNotDir)
}

func TestLiteDOSLockedAndRename(t *testing.T) {
	d, w := freshLite(t, 720, 0)

	require.Nil(t, d.WriteFile(w, "/KEEP.DAT", fill(64)))
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", true))
	fi, _ := d.GetAttr(w, "/KEEP.DAT")
	require.True(t, fi.Locked)
	require.ErrorIs(t, d.WriteFile(w, "/KEEP.DAT", fill(8)), ErrReadOnly)
	require.ErrorIs(t, d.Unlink(w, "/KEEP.DAT"), ErrReadOnly)
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", false))

	require.Nil(t, d.WriteFile(w, "/OTHER.DAT", fill(32)))
	require.ErrorIs(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", RENAME_NOREPLACE), ErrExists)

	require.Nil(t, d.Rename(w, "/KEEP.DAT", "/OTHER.DAT", RENAME_EXCHANGE))
	back, err := d.ReadFile(w, "/KEEP.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(32), back)
	back, err = d.ReadFile(w, "/OTHER.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(64), back)

	// timestamps have nowhere to live but the call still validates the path
	require.Nil(t, d.Utime(w, "/KEEP.DAT", time.Now()))
	require.ErrorIs(t, d.Utime(w, "/GONE.DAT", time.Now()), ErrNotFound)
}

func TestLiteDOSTruncate(t *testing.T) {
	d, w := freshLite(t, 720, 0)
	require.Nil(t, d.WriteFile(w, "/T.DAT", fill(300)))

	require.Nil(t, d.Truncate(w, "/T.DAT", 40))
	back, err := d.ReadFile(w, "/T.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(300)[:40], back)

	require.Nil(t, d.Truncate(w, "/T.DAT", 200))
	back, err = d.ReadFile(w, "/T.DAT")
	require.Nil(t, err)
	require.Len(t, back, 200)
	require.Equal(t, fill(300)[:40], back[:40])
	for _, b := range back[40:] {
		require.Equal(t, byte(0), b)
	}
}
