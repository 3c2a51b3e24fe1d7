package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freshSparta(t *testing.T, sectors int, volname string) (*SpartaDriver, *ATRWrapper) {
	w, err := CreateATRBin(128, sectors)
	require.Nil(t, err)
	d := &SpartaDriver{}
	err = d.NewFS(w, NewFSOptions{VolName: volname})
	require.Nil(t, err)
	return d, w
}

func TestSpartaNewFSLayout(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 128, st.SectorSize)
	require.Equal(t, 720, st.TotalSectors)
	require.Equal(t, 714, st.FreeSectors)
	require.Equal(t, 12, st.NameLen)

	info := d.FSInfo(w)
	require.Contains(t, info, "SpartaDOS FS revision 2.1")
	require.Contains(t, info, "Volume name:      ATRM8")
	require.Contains(t, info, "Total sectors:    720")
	require.Contains(t, info, "Free sectors:     714")
	require.Contains(t, info, "Bitmap sectors:   1 at 4")
	require.Contains(t, info, "Root dir map:     5")
	require.Contains(t, info, "Formatted:")

	require.Equal(t, DRIVER_SPARTA, Identify(w).ID())

	// the root directory shows no entries, its self entry stays hidden
	count := 0
	err = d.ReadDir(w, "/", func(FileInfo) error {
		count++
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, 0, count)

	fi, err := d.GetAttr(w, "/")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	require.Equal(t, 5, fi.Start)
}

func TestSpartaVolName(t *testing.T) {
	d, w := freshSparta(t, 720, "WORKDISK")
	require.Contains(t, d.FSInfo(w), "Volume name:      WORKDISK")
}

func TestSpartaWriteReadRoundTrip(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	data := fill(300)
	require.Nil(t, d.WriteFile(w, "/NOTES.TXT", data))

	fi, err := d.GetAttr(w, "/NOTES.TXT")
	require.Nil(t, err)
	require.Equal(t, 300, fi.Size)
	require.Equal(t, 7, fi.Start)

	back, err := d.ReadFile(w, "/NOTES.TXT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	// one map sector plus three data sectors
	st, _ := d.StatFS(w)
	require.Equal(t, 710, st.FreeSectors)

	// rewriting releases the old extent entirely
	short := fill(50)
	require.Nil(t, d.WriteFile(w, "/NOTES.TXT", short))
	back, err = d.ReadFile(w, "/NOTES.TXT")
	require.Nil(t, err)
	require.Equal(t, short, back)
	st, _ = d.StatFS(w)
	require.Equal(t, 712, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/NOTES.TXT"))
	_, err = d.GetAttr(w, "/NOTES.TXT")
	require.ErrorIs(t, err, ErrNotFound)
	st, _ = d.StatFS(w)
	require.Equal(t, 714, st.FreeSectors)
}

func TestSpartaCreateEmpty(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	require.Nil(t, d.Create(w, "/EMPTY.DAT"))
	require.ErrorIs(t, d.Create(w, "/EMPTY.DAT"), ErrExists)

	fi, err := d.GetAttr(w, "/EMPTY.DAT")
	require.Nil(t, err)
	require.Equal(t, 0, fi.Size)

	back, err := d.ReadFile(w, "/EMPTY.DAT")
	require.Nil(t, err)
	require.Len(t, back, 0)

	// an empty file still owns its map sector
	st, _ := d.StatFS(w)
	require.Equal(t, 713, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/EMPTY.DAT"))
	st, _ = d.StatFS(w)
	require.Equal(t, 714, st.FreeSectors)
}

func TestSpartaMTime(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	before := time.Now().UTC().Add(-2 * time.Second)
	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(10)))

	fi, err := d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	require.True(t, fi.MTime.After(before))

	when := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)
	require.Nil(t, d.Utime(w, "/A.DAT", when))
	fi, err = d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	require.True(t, fi.MTime.Equal(when))
}

func TestSpartaSubdirs(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	require.Nil(t, d.Mkdir(w, "/DOCS"))
	st, _ := d.StatFS(w)
	require.Equal(t, 712, st.FreeSectors)

	fi, err := d.GetAttr(w, "/DOCS")
	require.Nil(t, err)
	require.True(t, fi.IsDir)

	data := fill(100)
	require.Nil(t, d.WriteFile(w, "/DOCS/NOTE.TXT", data))
	back, err := d.ReadFile(w, "/DOCS/NOTE.TXT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	var names []string
	err = d.ReadDir(w, "/DOCS", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, []string{"NOTE.TXT"}, names)

	require.ErrorIs(t, d.Rmdir(w, "/DOCS"), ErrNotEmpty)

	// moving out of the directory keeps the stream in place
	require.Nil(t, d.Rename(w, "/DOCS/NOTE.TXT", "/NOTE.TXT", 0))
	_, err = d.GetAttr(w, "/DOCS/NOTE.TXT")
	require.ErrorIs(t, err, ErrNotFound)
	back, err = d.ReadFile(w, "/NOTE.TXT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	require.Nil(t, d.Rmdir(w, "/DOCS"))
	_, err = d.GetAttr(w, "/DOCS")
	require.ErrorIs(t, err, ErrNotFound)

	st, _ = d.StatFS(w)
	require.Equal(t, 712, st.FreeSectors)
}

func TestSpartaLockedFile(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	require.Nil(t, d.WriteFile(w, "/KEEP.DAT", fill(40)))
	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", true))

	fi, err := d.GetAttr(w, "/KEEP.DAT")
	require.Nil(t, err)
	require.True(t, fi.Locked)

	require.ErrorIs(t, d.WriteFile(w, "/KEEP.DAT", fill(5)), ErrReadOnly)
	require.ErrorIs(t, d.Unlink(w, "/KEEP.DAT"), ErrReadOnly)
	require.ErrorIs(t, d.Truncate(w, "/KEEP.DAT", 5), ErrReadOnly)

	require.Nil(t, d.SetLocked(w, "/KEEP.DAT", false))
	require.Nil(t, d.Unlink(w, "/KEEP.DAT"))
}

func TestSpartaTruncate(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	data := fill(10)
	require.Nil(t, d.WriteFile(w, "/T.DAT", data))

	require.Nil(t, d.Truncate(w, "/T.DAT", 300))
	back, err := d.ReadFile(w, "/T.DAT")
	require.Nil(t, err)
	require.Len(t, back, 300)
	require.Equal(t, data, back[:10])
	for _, b := range back[10:] {
		require.Equal(t, byte(0), b)
	}

	require.Nil(t, d.Truncate(w, "/T.DAT", 4))
	back, err = d.ReadFile(w, "/T.DAT")
	require.Nil(t, err)
	require.Equal(t, data[:4], back)
}

func TestSpartaRenameFlags(t *testing.T) {
	d, w := freshSparta(t, 720, "")

	one := fill(100)
	two := fill(64)
	require.Nil(t, d.WriteFile(w, "/ONE.DAT", one))
	require.Nil(t, d.WriteFile(w, "/TWO.DAT", two))

	require.ErrorIs(t, d.Rename(w, "/ONE.DAT", "/TWO.DAT", RENAME_NOREPLACE), ErrExists)

	require.Nil(t, d.Rename(w, "/ONE.DAT", "/TWO.DAT", RENAME_EXCHANGE))
	back, _ := d.ReadFile(w, "/ONE.DAT")
	require.Equal(t, two, back)
	back, _ = d.ReadFile(w, "/TWO.DAT")
	require.Equal(t, one, back)

	require.Nil(t, d.Rename(w, "/ONE.DAT", "/TWO.DAT", 0))
	_, err := d.GetAttr(w, "/ONE.DAT")
	require.ErrorIs(t, err, ErrNotFound)
	back, _ = d.ReadFile(w, "/TWO.DAT")
	require.Equal(t, two, back)
}

func TestSpartaProbeRejectsOthers(t *testing.T) {
	blank, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	d := &SpartaDriver{}
	require.False(t, d.Probe(blank))

	_, w := freshDOS2(t, DRIVER_DOS2, 128, 720)
	require.False(t, d.Probe(w))
}
