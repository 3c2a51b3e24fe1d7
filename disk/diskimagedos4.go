package disk

import (
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DOS 4 filesystem (the 1450XLD DOS, also known as QDOS). Clusters of six
// single density or three double density sectors, numbered from 8 so the
// map can live directly at its cluster number's byte offset inside the
// VTOC region. Cluster number 0x80 is never issued. Free clusters form an
// ascending list threaded through the map.

const DOS4_VTOC_SECTOR = 360
const DOS4_ENTRY_SIZE = 16
const DOS4_MAX_ENTRIES = 64
const DOS4_DIR_SECTORS = 8
const DOS4_FIRST_CLUSTER = 8
const DOS4_SKIP_CLUSTER = 0x80

const DOS4_FORMAT_SD = 'R'
const DOS4_FORMAT_ED = 'C'

const DOS4_FLAG_DELETED = 0x80
const DOS4_FLAG_INUSE = 0x40
const DOS4_FLAG_LOCKED = 0x20

type DOS4Driver struct{}

func (d *DOS4Driver) ID() DriverID { return DRIVER_DOS4 }

func (d *DOS4Driver) Name() string { return "Atari DOS 4" }

// dos4Geometry describes the cluster layout for an image.
type dos4Geometry struct {
	spc       int // sectors per cluster
	format    byte
	vtocSecs  int
	dirStart  int
	clusters  int // physical cluster count
	maxNumber int
}

func dos4Geom(w *ATRWrapper) (dos4Geometry, bool) {
	var g dos4Geometry
	switch {
	case w.SectorSize == 128 && w.Sectors >= 1024:
		g.spc = 6
		g.format = DOS4_FORMAT_ED
		g.vtocSecs = 2
	case w.SectorSize == 128:
		g.spc = 6
		g.format = DOS4_FORMAT_SD
		g.vtocSecs = 1
	case w.SectorSize == 256:
		g.spc = 3
		g.format = DOS4_FORMAT_SD
		g.vtocSecs = 1
	default:
		return g, false
	}
	g.dirStart = DOS4_VTOC_SECTOR + g.vtocSecs
	if w.Sectors < g.dirStart+DOS4_DIR_SECTORS {
		return g, false
	}

	vtocBytes := g.vtocSecs * w.SectorSize
	g.clusters = w.Sectors / g.spc
	max := g.clusters + DOS4_FIRST_CLUSTER - 1
	if max >= DOS4_SKIP_CLUSTER {
		max++
	}
	if max > vtocBytes-1 {
		max = vtocBytes - 1
		if max == DOS4_SKIP_CLUSTER {
			max--
		}
		g.clusters = dos4IndexFor(max) + 1
	}
	g.maxNumber = max
	return g, g.clusters > 0
}

func dos4NumberFor(index int) int {
	n := index + DOS4_FIRST_CLUSTER
	if n >= DOS4_SKIP_CLUSTER {
		n++
	}
	return n
}

func dos4IndexFor(number int) int {
	if number > DOS4_SKIP_CLUSTER {
		return number - DOS4_FIRST_CLUSTER - 1
	}
	return number - DOS4_FIRST_CLUSTER
}

func (g dos4Geometry) validNumber(n int) bool {
	if n < DOS4_FIRST_CLUSTER || n > g.maxNumber || n == DOS4_SKIP_CLUSTER {
		return false
	}
	return true
}

func (g dos4Geometry) firstSector(n int) int {
	return dos4IndexFor(n)*g.spc + 1
}

// ---------------------------------------------------------------------------
// VTOC and cluster map

type dos4VTOC struct {
	data []byte
	geom dos4Geometry
}

func (d *DOS4Driver) readVTOC(w *ATRWrapper, g dos4Geometry) (*dos4VTOC, error) {
	v := &dos4VTOC{geom: g}
	for i := 0; i < g.vtocSecs; i++ {
		s, err := w.ReadSector(DOS4_VTOC_SECTOR + i)
		if err != nil {
			return nil, err
		}
		v.data = append(v.data, s...)
	}
	return v, nil
}

func (v *dos4VTOC) Publish(w *ATRWrapper) error {
	off := 0
	for i := 0; i < v.geom.vtocSecs; i++ {
		size := w.SectorLen(DOS4_VTOC_SECTOR + i)
		if err := w.WriteSector(DOS4_VTOC_SECTOR+i, v.data[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

func (v *dos4VTOC) Format() byte       { return v.data[0] }
func (v *dos4VTOC) Head() int          { return int(v.data[1]) }
func (v *dos4VTOC) SetHead(n int)      { v.data[1] = byte(n) }
func (v *dos4VTOC) FreeCount() int     { return int(v.data[2]) }
func (v *dos4VTOC) SetFreeCount(n int) { v.data[2] = byte(n) }
func (v *dos4VTOC) Map(n int) byte     { return v.data[n] }
func (v *dos4VTOC) SetMap(n int, b byte) { v.data[n] = b }

// freeList walks the free chain and checks it stays ascending.
func (v *dos4VTOC) freeList() ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	n := v.Head()
	prev := 0
	for n != 0 {
		if !v.geom.validNumber(n) || seen[n] || n <= prev {
			return nil, ErrIO
		}
		seen[n] = true
		out = append(out, n)
		prev = n
		n = int(v.Map(n))
	}
	if len(out) != v.FreeCount() {
		return nil, ErrIO
	}
	return out, nil
}

// setFreeList rewrites the chain, the head and the count.
func (v *dos4VTOC) setFreeList(list []int) {
	sort.Ints(list)
	for i, n := range list {
		if i+1 < len(list) {
			v.SetMap(n, byte(list[i+1]))
		} else {
			v.SetMap(n, 0)
		}
	}
	if len(list) > 0 {
		v.SetHead(list[0])
	} else {
		v.SetHead(0)
	}
	v.SetFreeCount(len(list))
}

// fileChain walks count clusters of a file and returns them plus the
// terminal full-sector value.
func (v *dos4VTOC) fileChain(start, count int) ([]int, int, error) {
	var out []int
	seen := make(map[int]bool)
	c := start
	for i := 0; i < count; i++ {
		if !v.geom.validNumber(c) || seen[c] {
			return out, 0, ErrIO
		}
		seen[c] = true
		out = append(out, c)
		if i+1 == count {
			full := int(v.Map(c))
			if full >= v.geom.spc {
				return out, 0, ErrIO
			}
			return out, full, nil
		}
		c = int(v.Map(c))
	}
	return out, 0, nil
}

// ---------------------------------------------------------------------------
// directory

type DOS4FileDescriptor struct {
	Data   []byte
	sector int
	offset int
	index  int
}

func (fd *DOS4FileDescriptor) Flags() byte       { return fd.Data[0] }
func (fd *DOS4FileDescriptor) SetFlags(b byte)   { fd.Data[0] = b }
func (fd *DOS4FileDescriptor) Clusters() int     { return le16(fd.Data[1:3]) }
func (fd *DOS4FileDescriptor) SetClusters(n int) { putLE16(fd.Data[1:3], n) }
func (fd *DOS4FileDescriptor) Start() int        { return int(fd.Data[3]) }
func (fd *DOS4FileDescriptor) SetStart(n int)    { fd.Data[3] = byte(n) }
func (fd *DOS4FileDescriptor) LastByte() int     { return int(fd.Data[4]) }
func (fd *DOS4FileDescriptor) SetLastByte(n int) { fd.Data[4] = byte(n) }

func (fd *DOS4FileDescriptor) Active() bool {
	return fd.Data[0]&DOS4_FLAG_INUSE != 0 && fd.Data[0]&DOS4_FLAG_DELETED == 0
}

func (fd *DOS4FileDescriptor) Unused() bool { return fd.Data[0] == 0 }

func (fd *DOS4FileDescriptor) IsLocked() bool { return fd.Data[0]&DOS4_FLAG_LOCKED != 0 }

func (fd *DOS4FileDescriptor) Name() string {
	base := strings.TrimRight(string(fd.Data[5:13]), " ")
	ext := strings.TrimRight(string(fd.Data[13:16]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func (fd *DOS4FileDescriptor) SetName(name string) {
	base, ext := splitName83(name)
	copy(fd.Data[5:13], []byte(pad(base, 8)))
	copy(fd.Data[13:16], []byte(pad(ext, 3)))
}

func (fd *DOS4FileDescriptor) Publish(w *ATRWrapper) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	s, err := w.SectorSlice(fd.sector)
	if err != nil {
		return err
	}
	copy(s[fd.offset:fd.offset+DOS4_ENTRY_SIZE], fd.Data)
	return nil
}

// size computes the byte length from the cluster count, the terminal map
// value and the final sector byte. Zero length has no representation.
func dos4Size(g dos4Geometry, clusters, full, lastByte, secsize int) int {
	if clusters == 0 {
		return 0
	}
	return (clusters-1)*g.spc*secsize + full*secsize + lastByte + 1
}

func dos4Catalog(w *ATRWrapper, g dos4Geometry, fn func(fd *DOS4FileDescriptor) (bool, error)) error {
	index := 0
	for sec := g.dirStart; sec < g.dirStart+DOS4_DIR_SECTORS; sec++ {
		s, err := w.ReadSector(sec)
		if err != nil {
			return err
		}
		for off := 0; off+DOS4_ENTRY_SIZE <= 128; off += DOS4_ENTRY_SIZE {
			fd := &DOS4FileDescriptor{
				Data:   append([]byte{}, s[off:off+DOS4_ENTRY_SIZE]...),
				sector: sec,
				offset: off,
				index:  index,
			}
			index++
			stop, err := fn(fd)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	return nil
}

func (d *DOS4Driver) findEntry(w *ATRWrapper, g dos4Geometry, name string) (*DOS4FileDescriptor, error) {
	var found *DOS4FileDescriptor
	err := dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
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

func (d *DOS4Driver) freeEntry(w *ATRWrapper, g dos4Geometry) (*DOS4FileDescriptor, error) {
	var slot *DOS4FileDescriptor
	err := dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
		if !fd.Active() {
			slot = fd
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, ErrNoInodes
	}
	return slot, nil
}

// ---------------------------------------------------------------------------
// probe

func (d *DOS4Driver) Probe(w *ATRWrapper) bool {

	g, ok := dos4Geom(w)
	if !ok {
		return false
	}

	v, err := d.readVTOC(w, g)
	if err != nil {
		return false
	}
	if v.Format() != g.format {
		return false
	}
	if _, err := v.freeList(); err != nil {
		return false
	}

	sane := true
	dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
		if fd.Unused() {
			return false, nil
		}
		if fd.Active() {
			for _, ch := range fd.Data[5:16] {
				if ch != 0x20 && (ch < 0x30 || ch > 0x5a) {
					sane = false
					return true, nil
				}
			}
			if fd.Clusters() > 0 && !g.validNumber(fd.Start()) {
				sane = false
				return true, nil
			}
		}
		return false, nil
	})
	return sane
}

// ---------------------------------------------------------------------------
// operations

func (d *DOS4Driver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	g, ok := dos4Geom(w)
	if !ok {
		return FileInfo{}, ErrIO
	}
	if len(splitPath(path)) == 0 {
		return FileInfo{Name: "/", IsDir: true, Size: DOS4_DIR_SECTORS * 128, Start: g.dirStart}, nil
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fd, err := d.findEntry(w, g, name)
	if err != nil {
		return FileInfo{}, err
	}
	v, err := d.readVTOC(w, g)
	if err != nil {
		return FileInfo{}, err
	}
	return d.info(w, g, v, fd), nil
}

func (d *DOS4Driver) info(w *ATRWrapper, g dos4Geometry, v *dos4VTOC, fd *DOS4FileDescriptor) FileInfo {
	size := 0
	if fd.Clusters() > 0 {
		_, full, err := v.fileChain(fd.Start(), fd.Clusters())
		if err == nil {
			size = dos4Size(g, fd.Clusters(), full, fd.LastByte(), w.SectorSize)
		}
	}
	start := 0
	if fd.Clusters() > 0 {
		start = g.firstSector(fd.Start())
	}
	return FileInfo{
		Name:   fd.Name(),
		Size:   size,
		Locked: fd.IsLocked(),
		Start:  start,
	}
}

func (d *DOS4Driver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	if len(splitPath(path)) != 0 {
		if _, err := dos3Resolve(path); err != nil {
			return err
		}
		return ErrNotDir
	}
	v, err := d.readVTOC(w, g)
	if err != nil {
		return err
	}
	return dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
		if !fd.Active() {
			return false, nil
		}
		return false, fn(d.info(w, g, v, fd))
	})
}

func (d *DOS4Driver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	g, ok := dos4Geom(w)
	if !ok {
		return nil, ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return nil, err
	}
	fd, err := d.findEntry(w, g, name)
	if err != nil {
		return nil, err
	}
	if fd.Clusters() == 0 {
		return []byte{}, nil
	}

	v, err := d.readVTOC(w, g)
	if err != nil {
		return nil, err
	}
	chain, full, err := v.fileChain(fd.Start(), fd.Clusters())
	if err != nil {
		log.Errorf("%s: corrupt cluster chain reading %s", w.Filename, path)
		return nil, ErrIO
	}

	size := dos4Size(g, fd.Clusters(), full, fd.LastByte(), w.SectorSize)
	out := make([]byte, 0, size)
	for _, c := range chain {
		first := g.firstSector(c)
		for i := 0; i < g.spc && len(out) < size; i++ {
			s, err := w.ReadSector(first + i)
			if err != nil {
				return out, ErrIO
			}
			n := len(s)
			if n > size-len(out) {
				n = size - len(out)
			}
			out = append(out, s[:n]...)
		}
	}
	return out, nil
}

func (d *DOS4Driver) WriteFile(w *ATRWrapper, path string, data []byte) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}

	v, err := d.readVTOC(w, g)
	if err != nil {
		return err
	}
	free, err := v.freeList()
	if err != nil {
		return ErrIO
	}

	fd, err := d.findEntry(w, g, name)
	if err == nil {
		if fd.IsLocked() {
			return ErrReadOnly
		}
		if fd.Clusters() > 0 {
			old, _, cerr := v.fileChain(fd.Start(), fd.Clusters())
			if cerr != nil {
				log.Warnf("%s: rewriting %s over a corrupt chain", w.Filename, path)
			}
			free = append(free, old...)
		}
	} else if err == ErrNotFound {
		fd, err = d.freeEntry(w, g)
		if err != nil {
			return err
		}
		for i := range fd.Data {
			fd.Data[i] = 0
		}
	} else {
		return err
	}

	clusterBytes := g.spc * w.SectorSize
	need := (len(data) + clusterBytes - 1) / clusterBytes
	if need > len(free) {
		return ErrNoSpace
	}
	sort.Ints(free)
	chain := free[:need]
	rest := append([]int{}, free[need:]...)

	for i, c := range chain {
		if i+1 < len(chain) {
			v.SetMap(c, byte(chain[i+1]))
		}
		first := g.firstSector(c)
		off := i * clusterBytes
		for j := 0; j < g.spc; j++ {
			s, err := w.SectorSlice(first + j)
			if err != nil {
				return err
			}
			for k := range s {
				pos := off + j*w.SectorSize + k
				if pos < len(data) {
					s[k] = data[pos]
				} else {
					s[k] = 0
				}
			}
		}
	}

	lastByte := 0
	if need > 0 {
		rem := len(data) - (need-1)*clusterBytes
		full := (rem - 1) / w.SectorSize
		lastByte = rem - full*w.SectorSize - 1
		v.SetMap(chain[need-1], byte(full))
	}

	v.setFreeList(rest)
	if err := v.Publish(w); err != nil {
		return err
	}

	fd.SetFlags(DOS4_FLAG_INUSE | (fd.Flags() & DOS4_FLAG_LOCKED))
	fd.SetName(name)
	fd.SetClusters(need)
	if need > 0 {
		fd.SetStart(chain[0])
	} else {
		fd.SetStart(0)
	}
	fd.SetLastByte(lastByte)
	return fd.Publish(w)
}

func (d *DOS4Driver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}
	if _, err := d.findEntry(w, g, name); err == nil {
		return ErrExists
	}
	fd, err := d.freeEntry(w, g)
	if err != nil {
		return err
	}
	for i := range fd.Data {
		fd.Data[i] = 0
	}
	fd.SetFlags(DOS4_FLAG_INUSE)
	fd.SetName(name)
	return fd.Publish(w)
}

func (d *DOS4Driver) Truncate(w *ATRWrapper, path string, size int) error {
	data, err := d.ReadFile(w, path)
	if err != nil {
		return err
	}
	if size == len(data) {
		return nil
	}
	if size == 0 {
		// the format cannot store a zero length file
		return ErrUnsupported
	}
	if size < len(data) {
		data = data[:size]
	} else {
		data = append(data, make([]byte, size-len(data))...)
	}
	return d.WriteFile(w, path, data)
}

func (d *DOS4Driver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, g, name)
	if err != nil {
		return err
	}
	if fd.IsLocked() {
		return ErrReadOnly
	}

	if fd.Clusters() > 0 {
		v, err := d.readVTOC(w, g)
		if err != nil {
			return err
		}
		free, ferr := v.freeList()
		if ferr != nil {
			return ErrIO
		}
		chain, _, cerr := v.fileChain(fd.Start(), fd.Clusters())
		if cerr != nil {
			log.Warnf("%s: freeing partial cluster chain for %s", w.Filename, path)
		}
		v.setFreeList(append(free, chain...))
		if err := v.Publish(w); err != nil {
			return err
		}
	}

	fd.SetFlags(DOS4_FLAG_DELETED)
	return fd.Publish(w)
}

func (d *DOS4Driver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	oldname, err := dos3Resolve(oldpath)
	if err != nil {
		return err
	}
	newname, err := dos3Resolve(newpath)
	if err != nil {
		return err
	}
	if !validName83(newname) {
		return ErrInvalidArg
	}

	src, err := d.findEntry(w, g, oldname)
	if err != nil {
		return err
	}
	dst, derr := d.findEntry(w, g, newname)

	if flags&RENAME_EXCHANGE != 0 {
		if derr != nil {
			return derr
		}
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
		if err := d.Unlink(w, newpath); err != nil {
			return err
		}
	}
	src.SetName(newname)
	return src.Publish(w)
}

func (d *DOS4Driver) Mkdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	return ErrUnsupported
}

func (d *DOS4Driver) Rmdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	if len(splitPath(path)) == 0 {
		return ErrBusy
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, g, name); err != nil {
		return err
	}
	return ErrNotDir
}

func (d *DOS4Driver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, g, name)
	if err != nil {
		return err
	}
	if locked {
		fd.SetFlags(fd.Flags() | DOS4_FLAG_LOCKED)
	} else {
		fd.SetFlags(fd.Flags() &^ DOS4_FLAG_LOCKED)
	}
	return fd.Publish(w)
}

func (d *DOS4Driver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrIO
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, g, name); err != nil {
		return err
	}
	return nil
}

func (d *DOS4Driver) StatFS(w *ATRWrapper) (StatFS, error) {
	g, ok := dos4Geom(w)
	if !ok {
		return StatFS{}, ErrIO
	}
	v, err := d.readVTOC(w, g)
	if err != nil {
		return StatFS{}, err
	}
	used := 0
	dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: g.clusters * g.spc,
		FreeSectors:  v.FreeCount() * g.spc,
		TotalEntries: DOS4_MAX_ENTRIES,
		FreeEntries:  DOS4_MAX_ENTRIES - used,
		NameLen:      12,
	}, nil
}

func (d *DOS4Driver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Atari DOS 4 filesystem\n")
	fmt.Fprintf(&sb, "Geometry:           %s\n", w.Geometry())

	g, ok := dos4Geom(w)
	if !ok {
		sb.WriteString("unsupported geometry\n")
		return sb.String()
	}
	v, err := d.readVTOC(w, g)
	if err != nil {
		sb.WriteString("VTOC unreadable\n")
		return sb.String()
	}
	used := 0
	dos4Catalog(w, g, func(fd *DOS4FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	fmt.Fprintf(&sb, "Format code:        %c\n", v.Format())
	fmt.Fprintf(&sb, "Cluster size:       %d sectors\n", g.spc)
	fmt.Fprintf(&sb, "Total clusters:     %d\n", g.clusters)
	fmt.Fprintf(&sb, "Free clusters:      %d\n", v.FreeCount())
	fmt.Fprintf(&sb, "First free cluster: %d\n", v.Head())
	fmt.Fprintf(&sb, "Directory entries:  %d of %d used\n", used, DOS4_MAX_ENTRIES)
	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *DOS4Driver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	g, ok := dos4Geom(w)
	if !ok {
		return ErrInvalidArg
	}

	s, err := w.SectorSlice(1)
	if err != nil {
		return err
	}
	for i := range s {
		s[i] = 0
	}
	s[1] = 3
	putLE16(s[2:4], 0x0700)
	putLE16(s[4:6], 0xe477)

	for sec := g.dirStart; sec < g.dirStart+DOS4_DIR_SECTORS; sec++ {
		w.ZeroSector(sec)
	}

	v := &dos4VTOC{data: make([]byte, g.vtocSecs*w.SectorSize), geom: g}
	v.data[0] = g.format

	// clusters overlapping boot, VTOC or directory stay off the free list
	reserved := make(map[int]bool)
	mark := func(sec int) {
		idx := (sec - 1) / g.spc
		reserved[dos4NumberFor(idx)] = true
	}
	for sec := 1; sec <= 3; sec++ {
		mark(sec)
	}
	for sec := DOS4_VTOC_SECTOR; sec < g.dirStart+DOS4_DIR_SECTORS; sec++ {
		mark(sec)
	}

	var free []int
	for i := 0; i < g.clusters; i++ {
		n := dos4NumberFor(i)
		if !reserved[n] {
			free = append(free, n)
		}
	}
	v.setFreeList(free)
	if err := v.Publish(w); err != nil {
		return err
	}

	w.Format = DRIVER_DOS4
	log.Infof("%s: initialised DOS 4 filesystem, %d free clusters", w.Filename, len(free))
	return nil
}
