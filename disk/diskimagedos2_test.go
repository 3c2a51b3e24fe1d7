package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fill builds n bytes of deterministic non-repeating test data.
func fill(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func freshDOS2(t *testing.T, variant DriverID, secsize, sectors int) (*DOS2Driver, *ATRWrapper) {
	w, err := CreateATRBin(secsize, sectors)
	require.Nil(t, err)
	d := &DOS2Driver{variant: variant}
	err = d.NewFS(w, NewFSOptions{})
	require.Nil(t, err)
	return d, w
}

func TestDOS2NewFSCounts(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 128, st.SectorSize)
	require.Equal(t, 707, st.TotalSectors)
	require.Equal(t, 707, st.FreeSectors)
	require.Equal(t, 64, st.TotalEntries)
	require.Equal(t, 64, st.FreeEntries)
	require.Equal(t, 12, st.NameLen)

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS 2.0s filesystem")
	require.Contains(t, info, "VTOC code:        2")
	require.Contains(t, info, "Total sectors:    707")
	require.Contains(t, info, "Free sectors:     707")
	require.Contains(t, info, "Directory slots:  0 of 64 used")

	require.Equal(t, DRIVER_DOS2, Identify(w).ID())
}

func TestDOS25HighSectors(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS25, 128, 1040)

	st, err := d.StatFS(w)
	require.Nil(t, err)
	require.Equal(t, 1010, st.TotalSectors)
	require.Equal(t, 1010, st.FreeSectors)

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS 2.5 filesystem")
	require.Contains(t, info, "Free sectors:     707")
	require.Contains(t, info, "Free above 719:   303")

	require.Equal(t, DRIVER_DOS25, Identify(w).ID())
}

func TestDOS2WriteReadRoundTrip(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	data := fill(300)
	err := d.WriteFile(w, "/README.TXT", data)
	require.Nil(t, err)

	fi, err := d.GetAttr(w, "/README.TXT")
	require.Nil(t, err)
	require.Equal(t, "README.TXT", fi.Name)
	require.Equal(t, 300, fi.Size)
	require.Equal(t, 4, fi.Start)
	require.False(t, fi.IsDir)
	require.False(t, fi.Locked)

	back, err := d.ReadFile(w, "/README.TXT")
	require.Nil(t, err)
	require.Equal(t, data, back)

	// 300 bytes at 125 per sector takes three sectors
	st, _ := d.StatFS(w)
	require.Equal(t, 704, st.FreeSectors)
	require.Equal(t, 63, st.FreeEntries)

	err = d.Unlink(w, "/README.TXT")
	require.Nil(t, err)
	_, err = d.GetAttr(w, "/README.TXT")
	require.ErrorIs(t, err, ErrNotFound)
	st, _ = d.StatFS(w)
	require.Equal(t, 707, st.FreeSectors)
	require.Equal(t, 64, st.FreeEntries)
}

func TestDOS2CreateTruncate(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	err := d.Create(w, "/A.DAT")
	require.Nil(t, err)
	require.ErrorIs(t, d.Create(w, "/A.DAT"), ErrExists)

	fi, err := d.GetAttr(w, "/A.DAT")
	require.Nil(t, err)
	require.Equal(t, 0, fi.Size)

	back, err := d.ReadFile(w, "/A.DAT")
	require.Nil(t, err)
	require.Len(t, back, 0)

	data := fill(10)
	require.Nil(t, d.WriteFile(w, "/A.DAT", data))

	// growing pads with zeros
	require.Nil(t, d.Truncate(w, "/A.DAT", 200))
	back, err = d.ReadFile(w, "/A.DAT")
	require.Nil(t, err)
	require.Len(t, back, 200)
	require.Equal(t, data, back[:10])
	for _, b := range back[10:] {
		require.Equal(t, byte(0), b)
	}

	require.Nil(t, d.Truncate(w, "/A.DAT", 4))
	back, err = d.ReadFile(w, "/A.DAT")
	require.Nil(t, err)
	require.Equal(t, data[:4], back)
}

func TestDOS2LockedFile(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	require.Nil(t, d.WriteFile(w, "/SAFE.DAT", fill(50)))
	require.Nil(t, d.SetLocked(w, "/SAFE.DAT", true))

	fi, err := d.GetAttr(w, "/SAFE.DAT")
	require.Nil(t, err)
	require.True(t, fi.Locked)

	require.ErrorIs(t, d.WriteFile(w, "/SAFE.DAT", fill(10)), ErrReadOnly)
	require.ErrorIs(t, d.Unlink(w, "/SAFE.DAT"), ErrReadOnly)
	require.ErrorIs(t, d.Truncate(w, "/SAFE.DAT", 10), ErrReadOnly)

	require.Nil(t, d.SetLocked(w, "/SAFE.DAT", false))
	require.Nil(t, d.Unlink(w, "/SAFE.DAT"))
}

func TestDOS2Rename(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	one := fill(300)
	two := fill(250)
	require.Nil(t, d.WriteFile(w, "/ONE.DAT", one))
	require.Nil(t, d.WriteFile(w, "/TWO.DAT", two))

	require.ErrorIs(t, d.Rename(w, "/ONE.DAT", "/TWO.DAT", RENAME_NOREPLACE), ErrExists)
	require.ErrorIs(t, d.Rename(w, "/GONE.DAT", "/X.DAT", 0), ErrNotFound)
	require.ErrorIs(t, d.Rename(w, "/ONE.DAT", "/GONE.DAT", RENAME_EXCHANGE), ErrNotFound)

	require.Nil(t, d.Rename(w, "/ONE.DAT", "/THREE.DAT", 0))
	_, err := d.GetAttr(w, "/ONE.DAT")
	require.ErrorIs(t, err, ErrNotFound)
	back, err := d.ReadFile(w, "/THREE.DAT")
	require.Nil(t, err)
	require.Equal(t, one, back)

	// exchange swaps the names, the chains stay put
	require.Nil(t, d.Rename(w, "/THREE.DAT", "/TWO.DAT", RENAME_EXCHANGE))
	back, err = d.ReadFile(w, "/THREE.DAT")
	require.Nil(t, err)
	require.Equal(t, two, back)
	back, err = d.ReadFile(w, "/TWO.DAT")
	require.Nil(t, err)
	require.Equal(t, one, back)

	// plain rename over an existing file replaces it
	require.Nil(t, d.Rename(w, "/THREE.DAT", "/TWO.DAT", 0))
	_, err = d.GetAttr(w, "/THREE.DAT")
	require.ErrorIs(t, err, ErrNotFound)
	back, err = d.ReadFile(w, "/TWO.DAT")
	require.Nil(t, err)
	require.Equal(t, two, back)

	st, _ := d.StatFS(w)
	require.Equal(t, 705, st.FreeSectors)
}

func TestDOS2DiskFull(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	// 707 free sectors hold 707*125 bytes, anything more stops short
	err := d.WriteFile(w, "/BIG.DAT", fill(707*125+1))
	require.ErrorIs(t, err, ErrNoSpace)

	st, _ := d.StatFS(w)
	require.Equal(t, 0, st.FreeSectors)

	require.Nil(t, d.Unlink(w, "/BIG.DAT"))
	st, _ = d.StatFS(w)
	require.Equal(t, 707, st.FreeSectors)
}

func TestDOS2Utime(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	require.Nil(t, d.WriteFile(w, "/A.DAT", fill(10)))
	require.Nil(t, d.Utime(w, "/A.DAT", time.Now()))
	require.ErrorIs(t, d.Utime(w, "/GONE.DAT", time.Now()), ErrNotFound)
}

func TestMyDOSSubdirs(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_MYDOS, 128, 720)

	// a fresh 720 sector MyDOS disk is indistinguishable from DOS 2.0s
	require.Equal(t, DRIVER_DOS2, Identify(w).ID())

	require.Nil(t, d.Mkdir(w, "/GAMES"))
	st, _ := d.StatFS(w)
	require.Equal(t, 699, st.FreeSectors)

	fi, err := d.GetAttr(w, "/GAMES")
	require.Nil(t, err)
	require.True(t, fi.IsDir)
	require.Equal(t, 8*128, fi.Size)

	require.Nil(t, d.WriteFile(w, "/GAMES/MINER.XEX", fill(100)))
	back, err := d.ReadFile(w, "/GAMES/MINER.XEX")
	require.Nil(t, err)
	require.Equal(t, fill(100), back)

	var names []string
	err = d.ReadDir(w, "/GAMES", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, []string{"MINER.XEX"}, names)

	names = nil
	err = d.ReadDir(w, "/", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Nil(t, err)
	require.Equal(t, []string{"GAMES"}, names)

	require.ErrorIs(t, d.Rmdir(w, "/GAMES"), ErrNotEmpty)
	require.Nil(t, d.Unlink(w, "/GAMES/MINER.XEX"))
	require.Nil(t, d.Rmdir(w, "/GAMES"))
	st, _ = d.StatFS(w)
	require.Equal(t, 707, st.FreeSectors)

	// only MyDOS understands directories
	flat := &DOS2Driver{variant: DRIVER_DOS2}
	require.ErrorIs(t, flat.Mkdir(w, "/SUB"), ErrUnsupported)
	require.ErrorIs(t, flat.Rmdir(w, "/SUB"), ErrUnsupported)
}

func TestMyDOSMoveBetweenDirs(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_MYDOS, 128, 720)

	require.Nil(t, d.Mkdir(w, "/SUB"))
	data := fill(400)
	require.Nil(t, d.WriteFile(w, "/A.DAT", data))

	require.Nil(t, d.Rename(w, "/A.DAT", "/SUB/B.DAT", 0))
	_, err := d.GetAttr(w, "/A.DAT")
	require.ErrorIs(t, err, ErrNotFound)

	back, err := d.ReadFile(w, "/SUB/B.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestMyDOSLargeDisk(t *testing.T) {
	w, err := CreateATRBin(128, 2000)
	require.Nil(t, err)
	d := &DOS2Driver{variant: DRIVER_MYDOS}
	require.Nil(t, d.NewFS(w, NewFSOptions{}))

	// above 1023 sectors the VTOC grows and the code byte moves past 2,
	// which is exactly what keeps the flat drivers away
	require.Equal(t, DRIVER_MYDOS, Identify(w).ID())

	data := fill(5000)
	require.Nil(t, d.WriteFile(w, "/BIG.DAT", data))
	back, err := d.ReadFile(w, "/BIG.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestDOS1RoundTrip(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS1, 128, 720)

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS 1 filesystem")
	require.Contains(t, info, "VTOC code:        1")
	require.Equal(t, DRIVER_DOS1, Identify(w).ID())

	data := fill(300)
	require.Nil(t, d.WriteFile(w, "/AUTORUN.SYS", data))
	back, err := d.ReadFile(w, "/AUTORUN.SYS")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestDOS20DDoubleDensity(t *testing.T) {
	small, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	dd := &DOS2Driver{variant: DRIVER_DOS20D}
	require.ErrorIs(t, dd.NewFS(small, NewFSOptions{}), ErrBadSectorSize)

	d, w := freshDOS2(t, DRIVER_DOS20D, 256, 720)
	require.Equal(t, DRIVER_DOS20D, Identify(w).ID())

	info := d.FSInfo(w)
	require.Contains(t, info, "Atari DOS 2.0d filesystem")
	require.Contains(t, info, "720 sectors x 256 bytes")

	// 253 byte payload puts 500 bytes in two sectors
	data := fill(500)
	require.Nil(t, d.WriteFile(w, "/D.DAT", data))
	fi, err := d.GetAttr(w, "/D.DAT")
	require.Nil(t, err)
	require.Equal(t, 500, fi.Size)
	st, _ := d.StatFS(w)
	require.Equal(t, 705, st.FreeSectors)

	back, err := d.ReadFile(w, "/D.DAT")
	require.Nil(t, err)
	require.Equal(t, data, back)
}

func TestDOS2NewFSRejects(t *testing.T) {
	big, err := CreateATRBin(128, 2000)
	require.Nil(t, err)
	d := &DOS2Driver{variant: DRIVER_DOS2}
	require.ErrorIs(t, d.NewFS(big, NewFSOptions{}), ErrInvalidArg)

	tiny, err := CreateATRBin(128, 100)
	require.Nil(t, err)
	require.ErrorIs(t, d.NewFS(tiny, NewFSOptions{}), ErrInvalidArg)
}

func TestDOS2BadNames(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	require.ErrorIs(t, d.WriteFile(w, "/toolongname.dat", nil), ErrInvalidArg)
	require.ErrorIs(t, d.WriteFile(w, "/A.LONGEXT", nil), ErrInvalidArg)
	require.ErrorIs(t, d.Create(w, "/BAD NAME.X"), ErrInvalidArg)
}

func TestDOS2ReadDirOrder(t *testing.T) {
	d, w := freshDOS2(t, DRIVER_DOS2, 128, 720)

	for _, name := range []string{"/C.DAT", "/A.DAT", "/B.DAT"} {
		require.Nil(t, d.WriteFile(w, name, fill(10)))
	}

	var names []string
	err := d.ReadDir(w, "/", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Nil(t, err)
	// catalog order is slot order, not name order
	require.Equal(t, []string{"C.DAT", "A.DAT", "B.DAT"}, names)

	// freed slots get reused
	require.Nil(t, d.Unlink(w, "/A.DAT"))
	require.Nil(t, d.WriteFile(w, "/D.DAT", fill(10)))
	names = nil
	d.ReadDir(w, "/", func(fi FileInfo) error {
		names = append(names, fi.Name)
		return nil
	})
	require.Equal(t, []string{"C.DAT", "D.DAT", "B.DAT"}, names)
}
