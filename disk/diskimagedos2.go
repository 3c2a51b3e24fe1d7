package disk

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Atari DOS 2 family: DOS 1, DOS 2.0s, DOS 2.0d, DOS 2.5 and MyDOS. One
// driver covers all five; the variant field picks the probe rules and the
// handful of on-disk deltas (trailer regime, VTOC code, subdirectories).

const DOS2_VTOC_SECTOR = 360
const DOS2_VTOC2_SECTOR = 1024
const DOS2_DIR_START = 361
const DOS2_DIR_SECTORS = 8
const DOS2_ENTRY_SIZE = 16
const DOS2_ENTRIES_PER_SECTOR = 8
const DOS2_MAX_ENTRIES = DOS2_DIR_SECTORS * DOS2_ENTRIES_PER_SECTOR
const DOS2_BITMAP_OFFSET = 10
const DOS2_NAME_LEN = 8
const DOS2_EXT_LEN = 3

const DOS2_FLAG_OPENOUT = 0x01
const DOS2_FLAG_DOS2 = 0x02
const DOS2_FLAG_SUBDIR = 0x10
const DOS2_FLAG_LOCKED = 0x20
const DOS2_FLAG_INUSE = 0x40
const DOS2_FLAG_DELETED = 0x80

// VTOC2 layout (DOS 2.5): mirror of the main bitmap for sectors 48..719,
// then the bitmap for 720..1023 and its own free count.
const DOS2_VTOC2_HIGH_OFFSET = 84
const DOS2_VTOC2_FREE_OFFSET = 122
const DOS2_VTOC2_FIRST = 720
const DOS2_VTOC2_LAST = 1023

type DOS2Driver struct {
	variant DriverID
}

func (d *DOS2Driver) ID() DriverID {
	return d.variant
}

func (d *DOS2Driver) Name() string {
	switch d.variant {
	case DRIVER_DOS1:
		return "Atari DOS 1"
	case DRIVER_DOS20D:
		return "Atari DOS 2.0d"
	case DRIVER_DOS25:
		return "Atari DOS 2.5"
	case DRIVER_MYDOS:
		return "MyDOS"
	}
	return "Atari DOS 2.0s"
}

// large reports the MyDOS big-image regime: images past sector 1023 use all
// sixteen trailer link bits and drop the file id.
func (d *DOS2Driver) large(w *ATRWrapper) bool {
	return d.variant == DRIVER_MYDOS && w.Sectors > 1023
}

func (d *DOS2Driver) payload(w *ATRWrapper) int {
	return w.SectorSize - 3
}

// ---------------------------------------------------------------------------
// VTOC

type DOS2VTOC struct {
	data    []byte // concatenated vtoc sectors, first is 360
	sectors []int
	vtoc2   []byte // DOS 2.5 shadow sector, nil otherwise
	secsize int
	variant DriverID
}

// dos2VTOCSectors lists the sectors a MyDOS bitmap needs for the image,
// growing downward from 360.
func dos2VTOCSectors(variant DriverID, totalSectors, secsize int) []int {
	n := 1
	if variant == DRIVER_MYDOS {
		for (secsize*n-DOS2_BITMAP_OFFSET)*8 < totalSectors+1 {
			n++
		}
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = DOS2_VTOC_SECTOR - i
	}
	return out
}

func (d *DOS2Driver) readVTOC(w *ATRWrapper) (*DOS2VTOC, error) {
	v := &DOS2VTOC{
		sectors: dos2VTOCSectors(d.variant, w.Sectors, w.SectorSize),
		secsize: w.SectorSize,
		variant: d.variant,
	}
	for _, sec := range v.sectors {
		s, err := w.ReadSector(sec)
		if err != nil {
			return nil, err
		}
		v.data = append(v.data, s...)
	}
	if d.variant == DRIVER_DOS25 {
		s, err := w.ReadSector(DOS2_VTOC2_SECTOR)
		if err != nil {
			return nil, err
		}
		v.vtoc2 = s
	}
	return v, nil
}

func (v *DOS2VTOC) Publish(w *ATRWrapper) error {
	off := 0
	for _, sec := range v.sectors {
		size := w.SectorLen(sec)
		if err := w.WriteSector(sec, v.data[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	if v.vtoc2 != nil {
		// keep the low-region mirror in step before it hits the disk
		copy(v.vtoc2[0:DOS2_VTOC2_HIGH_OFFSET], v.data[DOS2_BITMAP_OFFSET+6:DOS2_BITMAP_OFFSET+90])
		return w.WriteSector(DOS2_VTOC2_SECTOR, v.vtoc2)
	}
	return nil
}

func (v *DOS2VTOC) Code() byte      { return v.data[0] }
func (v *DOS2VTOC) Total() int      { return le16(v.data[1:3]) }
func (v *DOS2VTOC) Free() int       { return le16(v.data[3:5]) }
func (v *DOS2VTOC) FreeHigh() int   { return le16(v.vtoc2[DOS2_VTOC2_FREE_OFFSET:]) }
func (v *DOS2VTOC) SetFree(n int)   { putLE16(v.data[3:5], n) }
func (v *DOS2VTOC) SetFreeHigh(n int) {
	putLE16(v.vtoc2[DOS2_VTOC2_FREE_OFFSET:], n)
}

// mapped reports whether the bitmap has a bit for the sector at all. The
// classic 90 byte bitmap ends at sector 719, which is why DOS 2 never uses
// sector 720; MyDOS extends the bitmap through the whole VTOC area.
func (v *DOS2VTOC) mapped(sector int) bool {
	if v.vtoc2 != nil && sector >= DOS2_VTOC2_FIRST {
		return sector <= DOS2_VTOC2_LAST
	}
	if v.variant == DRIVER_MYDOS {
		return DOS2_BITMAP_OFFSET+sector/8 < len(v.data)
	}
	return sector < DOS2_VTOC2_FIRST
}

func (v *DOS2VTOC) IsFree(sector int) bool {
	if !v.mapped(sector) {
		return false
	}
	if v.vtoc2 != nil && sector >= DOS2_VTOC2_FIRST {
		b := v.vtoc2[DOS2_VTOC2_HIGH_OFFSET+(sector-DOS2_VTOC2_FIRST)/8]
		return b&(1<<uint(7-(sector-DOS2_VTOC2_FIRST)%8)) != 0
	}
	b := v.data[DOS2_BITMAP_OFFSET+sector/8]
	return b&(1<<uint(7-sector%8)) != 0
}

func (v *DOS2VTOC) setBit(sector int, free bool) {
	var b *byte
	var mask byte
	if v.vtoc2 != nil && sector >= DOS2_VTOC2_FIRST {
		b = &v.vtoc2[DOS2_VTOC2_HIGH_OFFSET+(sector-DOS2_VTOC2_FIRST)/8]
		mask = 1 << uint(7-(sector-DOS2_VTOC2_FIRST)%8)
	} else {
		b = &v.data[DOS2_BITMAP_OFFSET+sector/8]
		mask = 1 << uint(7-sector%8)
	}
	if free {
		*b |= mask
	} else {
		*b &^= mask
	}
}

// Alloc marks a sector used and decrements the counter owning its region.
func (v *DOS2VTOC) Alloc(sector int) {
	if !v.IsFree(sector) {
		return
	}
	v.setBit(sector, false)
	if v.vtoc2 != nil && sector >= DOS2_VTOC2_FIRST {
		v.SetFreeHigh(v.FreeHigh() - 1)
	} else {
		v.SetFree(v.Free() - 1)
	}
}

func (v *DOS2VTOC) Release(sector int) {
	if !v.mapped(sector) || v.IsFree(sector) {
		return
	}
	v.setBit(sector, true)
	if v.vtoc2 != nil && sector >= DOS2_VTOC2_FIRST {
		v.SetFreeHigh(v.FreeHigh() + 1)
	} else {
		v.SetFree(v.Free() + 1)
	}
}

func (v *DOS2VTOC) FreeTotal() int {
	n := v.Free()
	if v.vtoc2 != nil {
		n += v.FreeHigh()
	}
	return n
}

// NextFree scans the bitmap upward from sector 4, spilling into the DOS 2.5
// extended region only once the low region is used up. Zero means full.
func (v *DOS2VTOC) NextFree(max int) int {
	for s := 4; s <= max; s++ {
		if v.IsFree(s) {
			return s
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// directory entries

type DOS2FileDescriptor struct {
	Data      []byte // 16 byte working copy
	dirsector int
	diroffset int
	index     int // entry number within its directory, the trailer file id
}

func (fd *DOS2FileDescriptor) Flags() byte        { return fd.Data[0] }
func (fd *DOS2FileDescriptor) SetFlags(f byte)    { fd.Data[0] = f }
func (fd *DOS2FileDescriptor) SectorCount() int   { return le16(fd.Data[1:3]) }
func (fd *DOS2FileDescriptor) SetSectorCount(n int) { putLE16(fd.Data[1:3], n) }
func (fd *DOS2FileDescriptor) StartSector() int   { return le16(fd.Data[3:5]) }
func (fd *DOS2FileDescriptor) SetStartSector(n int) { putLE16(fd.Data[3:5], n) }

func (fd *DOS2FileDescriptor) IsLocked() bool  { return fd.Data[0]&DOS2_FLAG_LOCKED != 0 }
func (fd *DOS2FileDescriptor) IsDir() bool     { return fd.Data[0]&DOS2_FLAG_SUBDIR != 0 }
func (fd *DOS2FileDescriptor) IsDeleted() bool { return fd.Data[0]&DOS2_FLAG_DELETED != 0 }

// Active means the slot holds a live file or subdirectory.
func (fd *DOS2FileDescriptor) Active() bool {
	f := fd.Data[0]
	if f == 0 || f&DOS2_FLAG_DELETED != 0 {
		return false
	}
	return f&(DOS2_FLAG_INUSE|DOS2_FLAG_SUBDIR) != 0
}

// Unused means the slot can take a new entry.
func (fd *DOS2FileDescriptor) Unused() bool {
	return fd.Data[0] == 0 || fd.Data[0]&DOS2_FLAG_DELETED != 0
}

func (fd *DOS2FileDescriptor) Name() string {
	base := strings.TrimRight(string(fd.Data[5:5+DOS2_NAME_LEN]), " ")
	ext := strings.TrimRight(string(fd.Data[13:13+DOS2_EXT_LEN]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func (fd *DOS2FileDescriptor) SetName(name string) {
	base, ext := splitName83(name)
	copy(fd.Data[5:13], []byte(pad(base, DOS2_NAME_LEN)))
	copy(fd.Data[13:16], []byte(pad(ext, DOS2_EXT_LEN)))
}

func (fd *DOS2FileDescriptor) Publish(w *ATRWrapper) error {
	s, err := w.SectorSlice(fd.dirsector)
	if err != nil {
		return err
	}
	if w.ReadOnly {
		return ErrReadOnly
	}
	copy(s[fd.diroffset:fd.diroffset+DOS2_ENTRY_SIZE], fd.Data)
	return nil
}

func splitName83(name string) (string, string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func pad(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// validName83 rejects names that cannot live in an 8+3 slot. The charset is
// looser than what the DOS menus accepted; anything printable that is not a
// path or wildcard character stores fine.
func validName83(name string) bool {
	base, ext := splitName83(name)
	if base == "" || len(base) > DOS2_NAME_LEN || len(ext) > DOS2_EXT_LEN {
		return false
	}
	for _, r := range base + ext {
		if r <= 0x20 || r > 0x7a || r == '.' || r == '/' || r == '*' || r == '?' || r == ':' {
			return false
		}
	}
	return true
}

// dos2Catalog walks the entries of one directory. The callback returns stop.
func dos2Catalog(w *ATRWrapper, dirs []int, fn func(fd *DOS2FileDescriptor) (bool, error)) error {
	index := 0
	for _, sec := range dirs {
		s, err := w.ReadSector(sec)
		if err != nil {
			return err
		}
		for e := 0; e < DOS2_ENTRIES_PER_SECTOR; e++ {
			fd := &DOS2FileDescriptor{
				Data:      s[e*DOS2_ENTRY_SIZE : e*DOS2_ENTRY_SIZE+DOS2_ENTRY_SIZE],
				dirsector: sec,
				diroffset: e * DOS2_ENTRY_SIZE,
				index:     index,
			}
			stop, err := fn(fd)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			index++
		}
	}
	return nil
}

func dos2RootDirs() []int {
	dirs := make([]int, DOS2_DIR_SECTORS)
	for i := range dirs {
		dirs[i] = DOS2_DIR_START + i
	}
	return dirs
}

func dos2SubdirSectors(start int) []int {
	dirs := make([]int, DOS2_DIR_SECTORS)
	for i := range dirs {
		dirs[i] = start + i
	}
	return dirs
}

// resolveDir follows path segments through MyDOS subdirectories and returns
// the sectors of the directory they land in.
func (d *DOS2Driver) resolveDir(w *ATRWrapper, parts []string) ([]int, error) {
	dirs := dos2RootDirs()
	for _, part := range parts {
		if d.variant != DRIVER_MYDOS {
			return nil, ErrNotDir
		}
		fd, err := d.findEntry(w, dirs, part)
		if err != nil {
			return nil, err
		}
		if !fd.IsDir() {
			return nil, ErrNotDir
		}
		dirs = dos2SubdirSectors(fd.StartSector())
	}
	return dirs, nil
}

func (d *DOS2Driver) findEntry(w *ATRWrapper, dirs []int, name string) (*DOS2FileDescriptor, error) {
	var found *DOS2FileDescriptor
	err := dos2Catalog(w, dirs, func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() && fd.Name() == name {
			found = fd
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (d *DOS2Driver) freeEntry(w *ATRWrapper, dirs []int) (*DOS2FileDescriptor, error) {
	var found *DOS2FileDescriptor
	err := dos2Catalog(w, dirs, func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Unused() {
			found = fd
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNoInodes
	}
	return found, nil
}

// ---------------------------------------------------------------------------
// sector trailers

// dos2Trailer unpacks the 3 byte trailer of a data sector. On 128 byte
// variants the count is 7 bits and bit 7 marks the terminal sector; 256 byte
// variants use the whole count byte and terminate on a zero link.
func (d *DOS2Driver) trailer(w *ATRWrapper, s []byte) (fileid, next, count int, last bool) {
	t := s[len(s)-3:]
	if d.large(w) {
		fileid = -1
		next = int(t[0])<<8 | int(t[1])
	} else {
		fileid = int(t[0]) >> 2
		next = int(t[0]&3)<<8 | int(t[1])
	}
	if w.SectorSize > 128 {
		count = int(t[2])
		last = next == 0
	} else {
		count = int(t[2] & 0x7f)
		last = t[2]&0x80 != 0 || next == 0
	}
	return
}

func (d *DOS2Driver) setTrailer(w *ATRWrapper, s []byte, fileid, next, count int, last bool) {
	t := s[len(s)-3:]
	if d.large(w) {
		t[0] = byte(next >> 8)
	} else {
		t[0] = byte(fileid<<2) | byte((next>>8)&3)
	}
	t[1] = byte(next & 0xff)
	if w.SectorSize > 128 {
		t[2] = byte(count)
	} else {
		t[2] = byte(count & 0x7f)
		if last {
			t[2] |= 0x80
		}
	}
}

// fileSectors walks a file chain, returning the sector list and total byte
// size. The visited guard catches corrupt circular chains.
func (d *DOS2Driver) fileSectors(w *ATRWrapper, fd *DOS2FileDescriptor) ([]int, int, error) {
	var sectors []int
	size := 0
	visited := make(map[int]bool)

	sec := fd.StartSector()
	for sec != 0 {
		if visited[sec] {
			log.Errorf("%s: circular sector chain at %d", w.Filename, sec)
			return sectors, size, ErrIO
		}
		visited[sec] = true

		s, err := w.SectorSlice(sec)
		if err != nil {
			return sectors, size, ErrIO
		}
		fileid, next, count, last := d.trailer(w, s)
		if fileid >= 0 && fileid != fd.index {
			log.Errorf("%s: sector %d file id %d, expected %d", w.Filename, sec, fileid, fd.index)
			return sectors, size, ErrIO
		}

		sectors = append(sectors, sec)
		if d.variant == DRIVER_DOS1 && !last {
			size += d.payload(w)
		} else {
			size += count
		}
		if last {
			break
		}
		sec = next
	}
	return sectors, size, nil
}

// ---------------------------------------------------------------------------
// probe

func (d *DOS2Driver) Probe(w *ATRWrapper) bool {

	if w.Sectors < DOS2_DIR_START+DOS2_DIR_SECTORS {
		return false
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return false
	}

	switch d.variant {
	case DRIVER_DOS1:
		if v.Code() != 1 || w.SectorSize != 128 {
			return false
		}
	case DRIVER_DOS2:
		if v.Code() != 2 || w.SectorSize != 128 || w.Sectors > 720 {
			return false
		}
	case DRIVER_DOS20D:
		if v.Code() != 2 || w.SectorSize != 256 || w.Sectors > 720 {
			return false
		}
	case DRIVER_DOS25:
		if v.Code() != 2 || w.SectorSize != 128 || w.Sectors < DOS2_VTOC2_SECTOR {
			return false
		}
	case DRIVER_MYDOS:
		if v.Code() < 2 {
			return false
		}
	}

	if v.Total() == 0 || v.Total() > w.Sectors || v.Free() > v.Total() {
		return false
	}

	if d.variant != DRIVER_MYDOS {
		// subdirectories push the image to the MyDOS driver
		subdir := false
		dos2Catalog(w, dos2RootDirs(), func(fd *DOS2FileDescriptor) (bool, error) {
			if fd.Active() && fd.IsDir() {
				subdir = true
				return true, nil
			}
			return false, nil
		})
		if subdir {
			return false
		}
	}

	return dos2SaneDirectory(w, dos2RootDirs())
}

// dos2SaneDirectory rejects directories whose live entries could not have
// been written by a DOS 2 family menu.
func dos2SaneDirectory(w *ATRWrapper, dirs []int) bool {
	ok := true
	dos2Catalog(w, dirs, func(fd *DOS2FileDescriptor) (bool, error) {
		if !fd.Active() {
			return false, nil
		}
		if fd.StartSector() > w.Sectors {
			ok = false
			return true, nil
		}
		for _, c := range fd.Data[5:16] {
			if c != 0x20 && (c < 0x21 || c > 0x7a) {
				ok = false
				return true, nil
			}
		}
		return false, nil
	})
	return ok
}

// ---------------------------------------------------------------------------
// operations

func (d *DOS2Driver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return FileInfo{Name: "/", IsDir: true, Start: DOS2_DIR_START}, nil
	}
	dir, name := parts[:len(parts)-1], parts[len(parts)-1]
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return FileInfo{}, err
	}
	fd, err := d.findEntry(w, dirs, name)
	if err != nil {
		return FileInfo{}, err
	}
	return d.fileInfo(w, fd)
}

func (d *DOS2Driver) fileInfo(w *ATRWrapper, fd *DOS2FileDescriptor) (FileInfo, error) {
	fi := FileInfo{
		Name:   fd.Name(),
		IsDir:  fd.IsDir(),
		Locked: fd.IsLocked(),
		Start:  fd.StartSector(),
	}
	if fi.IsDir {
		fi.Size = DOS2_DIR_SECTORS * w.SectorSize
		return fi, nil
	}
	if fd.StartSector() == 0 {
		return fi, nil
	}
	_, size, err := d.fileSectors(w, fd)
	if err != nil {
		return fi, err
	}
	fi.Size = size
	return fi, nil
}

func (d *DOS2Driver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	dirs, err := d.resolveDir(w, splitPath(path))
	if err != nil {
		return err
	}
	return dos2Catalog(w, dirs, func(fd *DOS2FileDescriptor) (bool, error) {
		if !fd.Active() {
			return false, nil
		}
		fi, err := d.fileInfo(w, fd)
		if err != nil {
			// report what we can for a corrupt entry
			fi = FileInfo{Name: fd.Name(), Locked: fd.IsLocked(), Start: fd.StartSector()}
		}
		return false, fn(fi)
	})
}

func (d *DOS2Driver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	dir, name := baseDir(path)
	if name == "" {
		return nil, ErrIsDir
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return nil, err
	}
	fd, err := d.findEntry(w, dirs, name)
	if err != nil {
		return nil, err
	}
	if fd.IsDir() {
		return nil, ErrIsDir
	}
	if fd.StartSector() == 0 {
		return []byte{}, nil
	}

	sectors, size, err := d.fileSectors(w, fd)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for _, sec := range sectors {
		s, _ := w.SectorSlice(sec)
		_, _, count, last := d.trailer(w, s)
		n := count
		if d.variant == DRIVER_DOS1 && !last {
			n = d.payload(w)
		}
		if n > d.payload(w) {
			n = d.payload(w)
		}
		out = append(out, s[:n]...)
	}
	return out, nil
}

// maxLinkable is the highest sector number a trailer link can carry.
func (d *DOS2Driver) maxLinkable(w *ATRWrapper) int {
	if d.large(w) {
		return 65535
	}
	return 1023
}

func (d *DOS2Driver) WriteFile(w *ATRWrapper, path string, data []byte) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrIsDir
	}
	if !validName83(name) {
		return ErrInvalidArg
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}

	fd, err := d.findEntry(w, dirs, name)
	if err == nil {
		if fd.IsDir() {
			return ErrIsDir
		}
		if fd.IsLocked() {
			return ErrReadOnly
		}
		// replace: release the old chain before the new one is laid down
		if fd.StartSector() != 0 {
			sectors, _, serr := d.fileSectors(w, fd)
			if serr == nil {
				for _, sec := range sectors {
					v.Release(sec)
				}
			}
		}
	} else if err == ErrNotFound {
		fd, err = d.freeEntry(w, dirs)
		if err != nil {
			return err
		}
		for i := range fd.Data {
			fd.Data[i] = 0
		}
	} else {
		return err
	}

	flags := byte(DOS2_FLAG_INUSE | DOS2_FLAG_DOS2)
	if d.variant == DRIVER_DOS1 {
		flags = DOS2_FLAG_INUSE
	}

	payload := d.payload(w)
	max := d.maxLinkable(w)
	if max > w.Sectors {
		max = w.Sectors
	}

	// Lay the chain down sector by sector. Running out of space publishes
	// what was written with a correct terminal trailer and partial length.
	var chain []int
	written := 0
	short := false
	remain := data
	for len(remain) > 0 {
		sec := v.NextFree(max)
		if sec == 0 {
			short = true
			break
		}
		v.Alloc(sec)
		chain = append(chain, sec)
		n := payload
		if n > len(remain) {
			n = len(remain)
		}
		remain = remain[n:]
		written += n
	}

	// write payloads and trailers now that the links are known
	off := 0
	for i, sec := range chain {
		s, _ := w.SectorSlice(sec)
		n := payload
		if n > written-off {
			n = written - off
		}
		copy(s[:n], data[off:off+n])
		for j := n; j < payload; j++ {
			s[j] = 0
		}
		off += n

		next := 0
		last := i == len(chain)-1
		if !last {
			next = chain[i+1]
		}
		count := n
		if d.variant == DRIVER_DOS1 && !last {
			count = i + 1 // DOS 1 keeps an ordinal in non-terminal sectors
		}
		d.setTrailer(w, s, fd.index, next, count, last)
	}

	if err := v.Publish(w); err != nil {
		return err
	}

	fd.SetFlags(flags)
	fd.SetName(name)
	fd.SetSectorCount(len(chain))
	if len(chain) > 0 {
		fd.SetStartSector(chain[0])
	} else {
		fd.SetStartSector(0)
	}
	if err := fd.Publish(w); err != nil {
		return err
	}

	if short {
		log.Warnf("%s: disk full writing %s, %d of %d bytes stored", w.Filename, path, written, len(data))
		return ErrNoSpace
	}
	return nil
}

func (d *DOS2Driver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirs, name); err == nil {
		return ErrExists
	}
	fd, err := d.freeEntry(w, dirs)
	if err != nil {
		return err
	}
	for i := range fd.Data {
		fd.Data[i] = 0
	}
	flags := byte(DOS2_FLAG_INUSE | DOS2_FLAG_DOS2)
	if d.variant == DRIVER_DOS1 {
		flags = DOS2_FLAG_INUSE
	}
	fd.SetFlags(flags)
	fd.SetName(name)
	fd.SetSectorCount(0)
	fd.SetStartSector(0)
	return fd.Publish(w)
}

func (d *DOS2Driver) Truncate(w *ATRWrapper, path string, size int) error {
	data, err := d.ReadFile(w, path)
	if err != nil {
		return err
	}
	if size == len(data) {
		return nil
	}
	if size < len(data) {
		data = data[:size]
	} else {
		data = append(data, make([]byte, size-len(data))...)
	}
	return d.WriteFile(w, path, data)
}

func (d *DOS2Driver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrIsDir
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, dirs, name)
	if err != nil {
		return err
	}
	if fd.IsDir() {
		return ErrIsDir
	}
	if fd.IsLocked() {
		return ErrReadOnly
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	if fd.StartSector() != 0 {
		sectors, _, serr := d.fileSectors(w, fd)
		if serr != nil {
			log.Warnf("%s: freeing broken chain for %s", w.Filename, path)
		}
		for _, sec := range sectors {
			v.Release(sec)
		}
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	fd.SetFlags(DOS2_FLAG_DELETED)
	return fd.Publish(w)
}

func (d *DOS2Driver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	olddir, oldname := baseDir(oldpath)
	newdir, newname := baseDir(newpath)
	if oldname == "" || newname == "" {
		return ErrInvalidArg
	}
	if !validName83(newname) {
		return ErrInvalidArg
	}

	srcDirs, err := d.resolveDir(w, olddir)
	if err != nil {
		return err
	}
	dstDirs, err := d.resolveDir(w, newdir)
	if err != nil {
		return err
	}

	src, err := d.findEntry(w, srcDirs, oldname)
	if err != nil {
		return err
	}

	dst, derr := d.findEntry(w, dstDirs, newname)

	if flags&RENAME_EXCHANGE != 0 {
		if derr != nil {
			return derr
		}
		// exchange swaps the names only; the chains keep their slots
		src.SetName(newname)
		dst.SetName(oldname)
		if err := src.Publish(w); err != nil {
			return err
		}
		return dst.Publish(w)
	}

	if derr == nil {
		if flags&RENAME_NOREPLACE != 0 {
			return ErrExists
		}
		if dst.IsDir() {
			return ErrIsDir
		}
		if err := d.Unlink(w, newpath); err != nil {
			return err
		}
	}

	sameDir := len(srcDirs) > 0 && len(dstDirs) > 0 && srcDirs[0] == dstDirs[0]
	if sameDir {
		src.SetName(newname)
		return src.Publish(w)
	}

	// moving between MyDOS directories: take a slot in the target and
	// restamp the trailer file ids with the new entry index
	slot, err := d.freeEntry(w, dstDirs)
	if err != nil {
		return err
	}
	copy(slot.Data, src.Data)
	slot.SetName(newname)
	if err := slot.Publish(w); err != nil {
		return err
	}
	if !src.IsDir() && !d.large(w) && src.StartSector() != 0 {
		sectors, _, serr := d.fileSectors(w, src)
		if serr != nil {
			return serr
		}
		for _, sec := range sectors {
			s, _ := w.SectorSlice(sec)
			_, next, count, last := d.trailer(w, s)
			d.setTrailer(w, s, slot.index, next, count, last)
		}
	}
	src.SetFlags(DOS2_FLAG_DELETED)
	return src.Publish(w)
}

func (d *DOS2Driver) Mkdir(w *ATRWrapper, path string) error {
	if d.variant != DRIVER_MYDOS {
		return ErrUnsupported
	}
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirs, name); err == nil {
		return ErrExists
	}
	fd, err := d.freeEntry(w, dirs)
	if err != nil {
		return err
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}

	// a MyDOS directory is eight contiguous sectors
	start := 0
	max := d.maxLinkable(w)
	if max > w.Sectors {
		max = w.Sectors
	}
	for s := 4; s+DOS2_DIR_SECTORS-1 <= max; s++ {
		run := true
		for i := 0; i < DOS2_DIR_SECTORS; i++ {
			if !v.IsFree(s + i) {
				run = false
				break
			}
		}
		if run {
			start = s
			break
		}
	}
	if start == 0 {
		return ErrNoSpace
	}
	for i := 0; i < DOS2_DIR_SECTORS; i++ {
		v.Alloc(start + i)
		w.ZeroSector(start + i)
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	for i := range fd.Data {
		fd.Data[i] = 0
	}
	fd.SetFlags(DOS2_FLAG_SUBDIR)
	fd.SetName(name)
	fd.SetSectorCount(DOS2_DIR_SECTORS)
	fd.SetStartSector(start)
	return fd.Publish(w)
}

func (d *DOS2Driver) Rmdir(w *ATRWrapper, path string) error {
	if d.variant != DRIVER_MYDOS {
		return ErrUnsupported
	}
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, dirs, name)
	if err != nil {
		return err
	}
	if !fd.IsDir() {
		return ErrNotDir
	}

	empty := true
	sub := dos2SubdirSectors(fd.StartSector())
	dos2Catalog(w, sub, func(e *DOS2FileDescriptor) (bool, error) {
		if e.Active() {
			empty = false
			return true, nil
		}
		return false, nil
	})
	if !empty {
		return ErrNotEmpty
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	for _, sec := range sub {
		v.Release(sec)
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	fd.SetFlags(DOS2_FLAG_DELETED)
	return fd.Publish(w)
}

func (d *DOS2Driver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirs, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, dirs, name)
	if err != nil {
		return err
	}
	if locked {
		fd.SetFlags(fd.Flags() | DOS2_FLAG_LOCKED)
	} else {
		fd.SetFlags(fd.Flags() &^ DOS2_FLAG_LOCKED)
	}
	return fd.Publish(w)
}

// Utime succeeds silently: the DOS 2 family keeps no timestamps.
func (d *DOS2Driver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if _, err := d.GetAttr(w, path); err != nil {
		return err
	}
	return nil
}

func (d *DOS2Driver) StatFS(w *ATRWrapper) (StatFS, error) {
	v, err := d.readVTOC(w)
	if err != nil {
		return StatFS{}, err
	}

	used := 0
	dos2Catalog(w, dos2RootDirs(), func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})

	total := v.Total()
	free := v.FreeTotal()
	if v.vtoc2 != nil {
		total += DOS2_VTOC2_LAST - DOS2_VTOC2_FIRST
	}

	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: total,
		FreeSectors:  free,
		TotalEntries: DOS2_MAX_ENTRIES,
		FreeEntries:  DOS2_MAX_ENTRIES - used,
		NameLen:      DOS2_NAME_LEN + 1 + DOS2_EXT_LEN,
	}, nil
}

func (d *DOS2Driver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s filesystem\n", d.Name())
	fmt.Fprintf(&sb, "Geometry:         %s\n", w.Geometry())

	v, err := d.readVTOC(w)
	if err != nil {
		sb.WriteString("VTOC unreadable\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "VTOC code:        %d\n", v.Code())
	fmt.Fprintf(&sb, "VTOC sectors:     %d\n", len(v.sectors))
	fmt.Fprintf(&sb, "Total sectors:    %d\n", v.Total())
	fmt.Fprintf(&sb, "Free sectors:     %d\n", v.Free())
	if v.vtoc2 != nil {
		fmt.Fprintf(&sb, "Free above 719:   %d\n", v.FreeHigh())
	}

	used := 0
	dos2Catalog(w, dos2RootDirs(), func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	fmt.Fprintf(&sb, "Directory slots:  %d of %d used\n", used, DOS2_MAX_ENTRIES)

	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *DOS2Driver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if w.Sectors < DOS2_DIR_START+DOS2_DIR_SECTORS {
		return ErrInvalidArg
	}
	switch d.variant {
	case DRIVER_DOS1, DRIVER_DOS2, DRIVER_DOS25:
		if w.SectorSize != 128 {
			return ErrBadSectorSize
		}
	case DRIVER_DOS20D:
		if w.SectorSize != 256 {
			return ErrBadSectorSize
		}
	}
	if d.variant == DRIVER_DOS25 && w.Sectors < DOS2_VTOC2_SECTOR {
		return ErrInvalidArg
	}
	if d.variant != DRIVER_MYDOS && w.Sectors > 1040 {
		return ErrInvalidArg
	}

	// boot record stub
	s, err := w.SectorSlice(1)
	if err != nil {
		return err
	}
	for i := range s {
		s[i] = 0
	}
	s[1] = 1
	putLE16(s[2:4], 0x0700)
	putLE16(s[4:6], 0xe477)

	vsecs := dos2VTOCSectors(d.variant, w.Sectors, w.SectorSize)

	v := &DOS2VTOC{
		sectors: vsecs,
		secsize: w.SectorSize,
		variant: d.variant,
		data:    make([]byte, 0),
	}
	for range vsecs {
		v.data = append(v.data, make([]byte, w.SectorSize)...)
	}
	if d.variant == DRIVER_DOS25 {
		v.vtoc2 = make([]byte, w.SectorSize)
	}

	code := byte(2)
	if d.variant == DRIVER_DOS1 {
		code = 1
	}
	if d.variant == DRIVER_MYDOS && len(vsecs) > 1 {
		code = byte(2 + len(vsecs) - 1)
	}
	v.data[0] = code

	// every mapped data sector starts free, then the system areas come out
	free := 0
	limit := w.Sectors
	if d.variant == DRIVER_DOS25 {
		limit = DOS2_VTOC2_LAST
	}
	if !d.large(w) && limit > 1023 {
		limit = 1023
	}
	lowFree := 0
	highFree := 0
	for sec := 4; sec <= limit; sec++ {
		if !v.mapped(sec) {
			continue
		}
		if d.variant == DRIVER_DOS25 && sec == DOS2_VTOC2_FIRST {
			continue // boundary sector stays out of reach of DOS 2.0
		}
		reserved := false
		for _, vs := range vsecs {
			if sec == vs {
				reserved = true
				break
			}
		}
		if sec >= DOS2_DIR_START && sec < DOS2_DIR_START+DOS2_DIR_SECTORS {
			reserved = true
		}
		if reserved {
			continue
		}
		v.setBit(sec, true)
		free++
		if v.vtoc2 != nil && sec >= DOS2_VTOC2_FIRST {
			highFree++
		} else {
			lowFree++
		}
	}

	v.SetFree(lowFree)
	total := lowFree
	if d.variant == DRIVER_DOS25 {
		v.SetFreeHigh(highFree)
	}
	putLE16(v.data[1:3], total)

	for i := 0; i < DOS2_DIR_SECTORS; i++ {
		if err := w.ZeroSector(DOS2_DIR_START + i); err != nil {
			return err
		}
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	w.Format = d.variant
	log.Infof("%s: initialised %s, %d sectors free", w.Filename, d.Name(), free)
	return nil
}
