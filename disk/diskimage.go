package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const ATR_HEADER_SIZE = 16
const ATR_MAGIC_0 = 0x96
const ATR_MAGIC_1 = 0x02
const ATR_PARAGRAPH = 16

const BOOT_SECTOR_SIZE = 128
const BOOT_SECTOR_COUNT = 3

const MIN_SECTORS = 4
const MAX_SECTORS = 65535

const SD_DISK_SECTORS = 720
const ED_DISK_SECTORS = 1040

// ATRWrapper carries a whole disk image in memory. File backed images are
// memory mapped so sector writes land in the page cache directly; partition
// sub-images and test images ride on a plain byte slice instead.
type ATRWrapper struct {
	Data       []byte
	Filename   string
	SectorSize int
	Sectors    int
	ShortBoot  bool // sectors 1..3 are 128 bytes on a >128 byte image
	HasHeader  bool
	ReadOnly   bool
	Format     DriverID

	mapped []byte
	file   *os.File
}

// NewATRWrapper opens and maps an existing image file. The write mode is
// dropped to read-only when the file itself is not writable.
func NewATRWrapper(filename string, readonly bool) (*ATRWrapper, error) {

	mode := os.O_RDWR
	if readonly {
		mode = os.O_RDONLY
	}

	f, err := os.OpenFile(filename, mode, 0)
	if err != nil && !readonly && os.IsPermission(err) {
		log.Debugf("%s: not writable, falling back to read-only", filename)
		readonly = true
		f, err = os.OpenFile(filename, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < ATR_HEADER_SIZE {
		f.Close()
		return nil, ErrTruncated
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_SHARED
	if readonly {
		prot = unix.PROT_READ
		flags = unix.MAP_PRIVATE
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, flags)
	if err != nil {
		f.Close()
		return nil, err
	}

	w, err := NewATRWrapperBin(mapped, filename)
	if err != nil {
		unix.Munmap(mapped)
		f.Close()
		return nil, err
	}

	w.ReadOnly = readonly
	w.mapped = mapped
	w.file = f

	return w, nil
}

// NewATRWrapperBin wraps image bytes already in memory. Sector data is used
// in place, so mutations through the wrapper mutate the caller's slice.
func NewATRWrapperBin(data []byte, filename string) (*ATRWrapper, error) {

	if len(data) < ATR_HEADER_SIZE || data[0] != ATR_MAGIC_0 || data[1] != ATR_MAGIC_1 {
		return nil, ErrBadSignature
	}

	secsize := le16(data[4:6])
	paragraphs := le16(data[2:4]) | int(data[6])<<16
	databytes := paragraphs * ATR_PARAGRAPH

	short := false
	var sectors int

	switch secsize {
	case 128:
		if databytes%128 != 0 {
			return nil, ErrTruncated
		}
		sectors = databytes / 128
	case 256, 512:
		if databytes%secsize == 0 {
			sectors = databytes / secsize
		} else if (databytes+BOOT_SECTOR_COUNT*(secsize-BOOT_SECTOR_SIZE))%secsize == 0 {
			short = true
			sectors = (databytes + BOOT_SECTOR_COUNT*(secsize-BOOT_SECTOR_SIZE)) / secsize
		} else {
			return nil, ErrTruncated
		}
	default:
		return nil, ErrBadSectorSize
	}

	if len(data) < ATR_HEADER_SIZE+databytes {
		return nil, ErrTruncated
	}
	if len(data) > ATR_HEADER_SIZE+databytes {
		log.Warnf("%s: %d bytes beyond declared image size", filename, len(data)-ATR_HEADER_SIZE-databytes)
	}

	w := &ATRWrapper{
		Data:       data,
		Filename:   filename,
		SectorSize: secsize,
		Sectors:    sectors,
		ShortBoot:  short,
		HasHeader:  true,
		Format:     DRIVER_UNKNOWN,
	}

	log.Debugf("%s: %d sectors x %d bytes (short boot: %v)", filename, sectors, secsize, short)

	return w, nil
}

// NewRawWrapperBin wraps a headerless image with caller supplied geometry.
// Partition sub-images arrive this way.
func NewRawWrapperBin(data []byte, secsize int, filename string) (*ATRWrapper, error) {

	switch secsize {
	case 128, 256, 512:
	default:
		return nil, ErrBadSectorSize
	}
	if len(data) == 0 || len(data)%secsize != 0 {
		return nil, ErrTruncated
	}

	return &ATRWrapper{
		Data:       data,
		Filename:   filename,
		SectorSize: secsize,
		Sectors:    len(data) / secsize,
		Format:     DRIVER_UNKNOWN,
	}, nil
}

func buildATRHeader(secsize, sectors int) ([]byte, int, bool, error) {

	switch secsize {
	case 128, 256, 512:
	default:
		return nil, 0, false, ErrBadSectorSize
	}
	if sectors < MIN_SECTORS || sectors > MAX_SECTORS {
		return nil, 0, false, ErrInvalidArg
	}

	short := secsize == 256
	databytes := sectors * secsize
	if short {
		databytes -= BOOT_SECTOR_COUNT * (secsize - BOOT_SECTOR_SIZE)
	}

	paragraphs := databytes / ATR_PARAGRAPH

	h := make([]byte, ATR_HEADER_SIZE)
	h[0] = ATR_MAGIC_0
	h[1] = ATR_MAGIC_1
	putLE16(h[2:4], paragraphs&0xffff)
	putLE16(h[4:6], secsize)
	h[6] = byte(paragraphs >> 16)

	return h, databytes, short, nil
}

// CreateATR creates a zero filled image file of the given geometry and maps
// it read-write. 256-byte images get the classic three short boot sectors.
func CreateATR(filename string, secsize, sectors int) (*ATRWrapper, error) {

	h, databytes, short, err := buildATRHeader(secsize, sectors)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(ATR_HEADER_SIZE + databytes)); err != nil {
		f.Close()
		return nil, err
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, ATR_HEADER_SIZE+databytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	copy(mapped, h)

	return &ATRWrapper{
		Data:       mapped,
		Filename:   filename,
		SectorSize: secsize,
		Sectors:    sectors,
		ShortBoot:  short,
		HasHeader:  true,
		Format:     DRIVER_UNKNOWN,
		mapped:     mapped,
		file:       f,
	}, nil
}

// CreateATRBin builds a fresh image in memory.
func CreateATRBin(secsize, sectors int) (*ATRWrapper, error) {

	h, databytes, short, err := buildATRHeader(secsize, sectors)
	if err != nil {
		return nil, err
	}

	data := make([]byte, ATR_HEADER_SIZE+databytes)
	copy(data, h)

	return &ATRWrapper{
		Data:       data,
		Filename:   "(new)",
		SectorSize: secsize,
		Sectors:    sectors,
		ShortBoot:  short,
		HasHeader:  true,
		Format:     DRIVER_UNKNOWN,
	}, nil
}

func (w *ATRWrapper) sectorOffset(sector int) (int, int, error) {

	if sector < 1 || sector > w.Sectors {
		return 0, 0, ErrOutOfRange
	}

	base := 0
	if w.HasHeader {
		base = ATR_HEADER_SIZE
	}

	if w.ShortBoot {
		if sector <= BOOT_SECTOR_COUNT {
			return base + (sector-1)*BOOT_SECTOR_SIZE, BOOT_SECTOR_SIZE, nil
		}
		return base + BOOT_SECTOR_COUNT*BOOT_SECTOR_SIZE + (sector-1-BOOT_SECTOR_COUNT)*w.SectorSize, w.SectorSize, nil
	}

	return base + (sector-1)*w.SectorSize, w.SectorSize, nil
}

// SectorLen reports the byte size of a sector, honouring the short boot
// sector convention. Zero for out of range sectors.
func (w *ATRWrapper) SectorLen(sector int) int {
	_, size, err := w.sectorOffset(sector)
	if err != nil {
		return 0
	}
	return size
}

// SectorSlice returns the live bytes of a sector. Writes through the slice
// hit the mapped image; use WriteSector to get the read-only check.
func (w *ATRWrapper) SectorSlice(sector int) ([]byte, error) {
	off, size, err := w.sectorOffset(sector)
	if err != nil {
		return nil, err
	}
	return w.Data[off : off+size], nil
}

// ReadSector returns a copy of a sector.
func (w *ATRWrapper) ReadSector(sector int) ([]byte, error) {
	s, err := w.SectorSlice(sector)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(s))
	copy(out, s)
	return out, nil
}

// WriteSector replaces a whole sector. Partial writes are rejected so a
// caller can never leave a sector half updated.
func (w *ATRWrapper) WriteSector(sector int, data []byte) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	s, err := w.SectorSlice(sector)
	if err != nil {
		return err
	}
	if len(data) != len(s) {
		return ErrInvalidArg
	}
	copy(s, data)
	return nil
}

// ZeroSector clears a sector in place.
func (w *ATRWrapper) ZeroSector(sector int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	s, err := w.SectorSlice(sector)
	if err != nil {
		return err
	}
	for i := range s {
		s[i] = 0
	}
	return nil
}

// Sync flushes mapped pages to the backing file. A no-op for in-memory
// wrappers.
func (w *ATRWrapper) Sync() error {
	if w.mapped == nil || w.ReadOnly {
		return nil
	}
	return unix.Msync(w.mapped, unix.MS_SYNC)
}

// Close unmaps and closes the backing file. Safe to call twice.
func (w *ATRWrapper) Close() error {
	if w.mapped != nil {
		w.Sync()
		if err := unix.Munmap(w.mapped); err != nil {
			return err
		}
		w.mapped = nil
		w.Data = nil
	}
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

func (w *ATRWrapper) Checksum() string {
	s := sha256.Sum256(w.Data)
	return hex.EncodeToString(s[:])
}

func (w *ATRWrapper) Geometry() string {
	g := fmt.Sprintf("%d sectors x %d bytes", w.Sectors, w.SectorSize)
	if w.ShortBoot {
		g += " (3 short boot sectors)"
	}
	return g
}

// BootInfo formats the standard boot record fields of sector 1 plus a dump
// of the sector, the content behind the .bootinfo special file.
func (w *ATRWrapper) BootInfo() string {

	var sb strings.Builder

	fmt.Fprintf(&sb, "Image:          %s\n", w.Filename)
	fmt.Fprintf(&sb, "Geometry:       %s\n", w.Geometry())

	s, err := w.SectorSlice(1)
	if err != nil || len(s) < 6 {
		sb.WriteString("Boot sector:    unreadable\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Boot flag:      $%.2X\n", s[0])
	fmt.Fprintf(&sb, "Boot sectors:   %d\n", s[1])
	fmt.Fprintf(&sb, "Load address:   $%.4X\n", le16(s[2:4]))
	fmt.Fprintf(&sb, "Init address:   $%.4X\n", le16(s[4:6]))
	sb.WriteString("\n")
	sb.WriteString(DumpString(s, 0))

	return sb.String()
}

// DumpString renders bytes in the hex+ascii layout the shell uses.
func DumpString(bytes []byte, base int) string {
	var sb strings.Builder
	perline := 0x10
	ascii := ""
	for i, v := range bytes {
		if i%perline == 0 {
			if i > 0 {
				sb.WriteString(" " + ascii + "\n")
			}
			ascii = ""
			fmt.Fprintf(&sb, "%.4X:", base+i)
		}
		if v >= 32 && v < 128 {
			ascii += string(rune(v))
		} else {
			ascii += "."
		}
		fmt.Fprintf(&sb, " %.2X", v)
	}
	if len(bytes) > 0 {
		sb.WriteString(" " + ascii + "\n")
	}
	return sb.String()
}

func Dump(bytes []byte) {
	fmt.Print(DumpString(bytes, 0))
}
