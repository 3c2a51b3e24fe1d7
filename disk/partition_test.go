package disk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildAPTHost assembles a 512 byte sector host image with an MBR, one
// APT table sector and three partitions: a mounted DOS 2.0d volume
// mapped to D1, a drawer and a write protected region.
func buildAPTHost(t *testing.T) *ATRWrapper {
	host, err := CreateATRBin(512, 500)
	require.Nil(t, err)

	mbr, err := host.SectorSlice(1)
	require.Nil(t, err)
	mbr[MBR_SIG_OFFSET] = 0x55
	mbr[MBR_SIG_OFFSET+1] = 0xaa
	d := mbr[MBR_PART_OFFSET:]
	d[4] = MBR_TYPE_APT
	putLE32(d[8:], 1)

	sec, err := host.SectorSlice(2)
	require.Nil(t, err)
	copy(sec[0:3], "APT")
	sec[3] = 3
	sec[4] = 0
	sec[6] = 4

	// D1 points at the first partition's range
	m := sec[1*APT_SLOT_SIZE:]
	putLE24(m[2:], 16)
	putLE24(m[5:], 360)

	p := sec[16*APT_SLOT_SIZE:]
	p[0] = APT_TYPE_REGULAR
	p[1] = 0x0e
	putLE24(p[2:], 16)
	putLE24(p[5:], 360)
	copy(p[9:16], "MYDOS1 ")

	dr := sec[17*APT_SLOT_SIZE:]
	dr[0] = APT_TYPE_DRAWER
	putLE24(dr[2:], 376)
	putLE24(dr[5:], 24)
	dr[8] = 1
	copy(dr[9:16], "ARCHIVE")

	lk := sec[18*APT_SLOT_SIZE:]
	lk[0] = APT_TYPE_REGULAR
	lk[1] = 0x0e
	putLE24(lk[2:], 400)
	putLE24(lk[5:], 64)
	lk[8] = APT_DETAIL_PROTECT | 2
	copy(lk[9:16], "LOCKED ")

	// a formatted volume behind the first partition
	vol := make([]byte, 720*256)
	cw, err := NewRawWrapperBin(vol, 256, "volume")
	require.Nil(t, err)
	dd := &DOS2Driver{variant: DRIVER_DOS20D}
	require.Nil(t, dd.NewFS(cw, NewFSOptions{}))
	require.Nil(t, dd.WriteFile(cw, "/README.TXT", fill(500)))
	copy(host.Data[16+16*512:], vol)

	return host
}

func TestAPTDetection(t *testing.T) {
	host := buildAPTHost(t)
	require.True(t, HasPartitionTable(host))

	plain, err := CreateATRBin(128, 720)
	require.Nil(t, err)
	require.False(t, HasPartitionTable(plain))
	_, err = NewPartitionTable(plain)
	require.ErrorIs(t, err, ErrBadSignature)

	// an MBR signature alone is not a partition table
	bare, err := CreateATRBin(512, 400)
	require.Nil(t, err)
	mbr, err := bare.SectorSlice(1)
	require.Nil(t, err)
	mbr[MBR_SIG_OFFSET] = 0x55
	mbr[MBR_SIG_OFFSET+1] = 0xaa
	require.False(t, HasPartitionTable(bare))
}

func TestAPTScan(t *testing.T) {
	pt, err := NewPartitionTable(buildAPTHost(t))
	require.Nil(t, err)

	require.Equal(t, 3, pt.Revision)
	require.Len(t, pt.Partitions, 3)
	require.Equal(t, "MYDOS1", pt.Partitions[0].Label)
	require.Equal(t, "ARCHIVE", pt.Partitions[1].Label)
	require.Equal(t, "LOCKED", pt.Partitions[2].Label)

	p := pt.Partitions[0]
	require.Equal(t, APT_TYPE_REGULAR, p.Type)
	require.Equal(t, 256, p.SecSize)
	require.Equal(t, 2, p.SPP)
	require.False(t, p.Interleave)
	require.True(t, p.Linear)
	require.False(t, p.ReadOnly)

	label, ok := pt.MappingTarget(1)
	require.True(t, ok)
	require.Equal(t, "MYDOS1", label)
	_, ok = pt.MappingTarget(2)
	require.False(t, ok)

	info := pt.FSInfo()
	require.Contains(t, info, "Partition table: APT revision 3")
	require.Contains(t, info, "regular")
	require.Contains(t, info, "drawer")
	require.Contains(t, info, "D1 -> MYDOS1")
	require.Contains(t, info, "LOCKED (ro)")
}

func TestAPTMountedVolume(t *testing.T) {
	host := buildAPTHost(t)
	pt, err := NewPartitionTable(host)
	require.Nil(t, err)

	p := pt.ByLabel("MYDOS1")
	require.NotNil(t, p)
	require.NotNil(t, p.Wrapper)
	require.Equal(t, 720, p.Wrapper.Sectors)
	require.Equal(t, DRIVER_DOS20D, Identify(p.Wrapper).ID())

	raw, err := p.Raw()
	require.Nil(t, err)
	require.Len(t, raw, 360*512)

	dd := &DOS2Driver{variant: DRIVER_DOS20D}
	back, err := dd.ReadFile(p.Wrapper, "/README.TXT")
	require.Nil(t, err)
	require.Equal(t, fill(500), back)

	// a linear partition writes straight through to the host bytes
	require.Nil(t, dd.WriteFile(p.Wrapper, "/SECOND.DAT", fill(99)))
	require.Nil(t, p.Copyback())

	again, err := NewPartitionTable(host)
	require.Nil(t, err)
	back, err = dd.ReadFile(again.ByLabel("MYDOS1").Wrapper, "/SECOND.DAT")
	require.Nil(t, err)
	require.Equal(t, fill(99), back)
}

func TestAPTDrawer(t *testing.T) {
	pt, err := NewPartitionTable(buildAPTHost(t))
	require.Nil(t, err)

	p := pt.ByLabel("ARCHIVE")
	require.NotNil(t, p)
	require.Equal(t, APT_TYPE_DRAWER, p.Type)
	require.Nil(t, p.Wrapper)

	require.Equal(t, 1, p.Chunks())
	chunk, err := p.ChunkSlice(0)
	require.Nil(t, err)
	require.Len(t, chunk, 24*512)
	_, err = p.ChunkSlice(1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAPTProtectedPartition(t *testing.T) {
	pt, err := NewPartitionTable(buildAPTHost(t))
	require.Nil(t, err)

	p := pt.ByLabel("LOCKED")
	require.NotNil(t, p)
	require.True(t, p.ReadOnly)
	require.NotNil(t, p.Wrapper)
	require.True(t, p.Wrapper.ReadOnly)

	// the reserved area from the detail byte shifts the mounted range
	require.Equal(t, 402, p.Start)
	require.Equal(t, 62, p.Count)
}
