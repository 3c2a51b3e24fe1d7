package disk

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DOS 3 filesystem. Flat directory over 1024-byte clusters (8 single
// density sectors) allocated through a one-sector FAT. A 720 sector disk
// carries 87 data clusters, a 1040 sector disk 127.

const DOS3_DIR_START = 16
const DOS3_DIR_SECTORS = 8
const DOS3_FAT_SECTOR = 24
const DOS3_DATA_START = 25
const DOS3_CLUSTER_SECTORS = 8
const DOS3_CLUSTER_BYTES = 1024
const DOS3_ENTRY_SIZE = 16
const DOS3_MAX_ENTRIES = 64

const DOS3_FAT_EOF = 0xFD
const DOS3_FAT_FREE = 0xFE
const DOS3_FAT_RESERVED = 0xFF

const DOS3_FLAG_VALID = 0x80
const DOS3_FLAG_INUSE = 0x40
const DOS3_FLAG_LOCKED = 0x02
const DOS3_FLAG_OPEN = 0x01

type DOS3Driver struct{}

func (d *DOS3Driver) ID() DriverID { return DRIVER_DOS3 }

func (d *DOS3Driver) Name() string { return "Atari DOS 3" }

func dos3ClusterCount(sectors int) int {
	n := (sectors - DOS3_DATA_START + 1) / DOS3_CLUSTER_SECTORS
	if n < 0 {
		n = 0
	}
	if n > 127 {
		n = 127
	}
	return n
}

// ---------------------------------------------------------------------------
// FAT

type dos3FAT struct {
	data  []byte
	count int
}

func (d *DOS3Driver) readFAT(w *ATRWrapper) (*dos3FAT, error) {
	s, err := w.ReadSector(DOS3_FAT_SECTOR)
	if err != nil {
		return nil, err
	}
	f := &dos3FAT{data: s, count: int(s[0])}
	if f.count < 1 || 1+f.count > len(s) {
		return nil, ErrIO
	}
	return f, nil
}

func (f *dos3FAT) Publish(w *ATRWrapper) error {
	return w.WriteSector(DOS3_FAT_SECTOR, f.data)
}

func (f *dos3FAT) Value(c int) byte     { return f.data[1+c] }
func (f *dos3FAT) SetValue(c int, v byte) { f.data[1+c] = v }

func (f *dos3FAT) FreeCount() int {
	n := 0
	for c := 0; c < f.count; c++ {
		if f.Value(c) == DOS3_FAT_FREE {
			n++
		}
	}
	return n
}

// chain follows a file's cluster list from start to the end marker.
func (f *dos3FAT) chain(start int) ([]int, error) {
	var out []int
	visited := make(map[int]bool)
	c := start
	for {
		if c < 0 || c >= f.count || visited[c] {
			return out, ErrIO
		}
		visited[c] = true
		out = append(out, c)
		v := f.Value(c)
		if v == DOS3_FAT_EOF {
			return out, nil
		}
		if v == DOS3_FAT_FREE || v == DOS3_FAT_RESERVED || int(v) >= f.count {
			return out, ErrIO
		}
		c = int(v)
	}
}

// ---------------------------------------------------------------------------
// directory

type DOS3FileDescriptor struct {
	Data   []byte
	sector int
	offset int
	index  int
}

func (fd *DOS3FileDescriptor) Flags() byte      { return fd.Data[0] }
func (fd *DOS3FileDescriptor) SetFlags(b byte)  { fd.Data[0] = b }
func (fd *DOS3FileDescriptor) Clusters() int    { return int(fd.Data[12]) }
func (fd *DOS3FileDescriptor) SetClusters(n int) { fd.Data[12] = byte(n) }
func (fd *DOS3FileDescriptor) Start() int       { return int(fd.Data[13]) }
func (fd *DOS3FileDescriptor) SetStart(n int)   { fd.Data[13] = byte(n) }
func (fd *DOS3FileDescriptor) Final() int       { return le16(fd.Data[14:16]) }
func (fd *DOS3FileDescriptor) SetFinal(n int)   { putLE16(fd.Data[14:16], n) }

func (fd *DOS3FileDescriptor) Active() bool {
	return fd.Data[0]&DOS3_FLAG_VALID != 0 && fd.Data[0]&DOS3_FLAG_INUSE != 0
}

func (fd *DOS3FileDescriptor) Unused() bool { return fd.Data[0]&DOS3_FLAG_VALID == 0 }

func (fd *DOS3FileDescriptor) IsLocked() bool { return fd.Data[0]&DOS3_FLAG_LOCKED != 0 }

func (fd *DOS3FileDescriptor) Name() string {
	base := strings.TrimRight(string(fd.Data[1:9]), " ")
	ext := strings.TrimRight(string(fd.Data[9:12]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func (fd *DOS3FileDescriptor) SetName(name string) {
	base, ext := splitName83(name)
	copy(fd.Data[1:9], []byte(pad(base, 8)))
	copy(fd.Data[9:12], []byte(pad(ext, 3)))
}

// Size applies the final block formula. A multiple-of-1024 final count
// means the last cluster is completely used.
func (fd *DOS3FileDescriptor) Size() int {
	n := fd.Clusters()
	if n == 0 {
		return 0
	}
	last := fd.Final() % DOS3_CLUSTER_BYTES
	if last == 0 {
		last = DOS3_CLUSTER_BYTES
	}
	return (n-1)*DOS3_CLUSTER_BYTES + last
}

func (fd *DOS3FileDescriptor) Publish(w *ATRWrapper) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	s, err := w.SectorSlice(fd.sector)
	if err != nil {
		return err
	}
	copy(s[fd.offset:fd.offset+DOS3_ENTRY_SIZE], fd.Data)
	return nil
}

func dos3Catalog(w *ATRWrapper, fn func(fd *DOS3FileDescriptor) (bool, error)) error {
	index := 0
	for sec := DOS3_DIR_START; sec < DOS3_DIR_START+DOS3_DIR_SECTORS; sec++ {
		s, err := w.ReadSector(sec)
		if err != nil {
			return err
		}
		for off := 0; off+DOS3_ENTRY_SIZE <= 128; off += DOS3_ENTRY_SIZE {
			fd := &DOS3FileDescriptor{
				Data:   append([]byte{}, s[off:off+DOS3_ENTRY_SIZE]...),
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

func (d *DOS3Driver) findEntry(w *ATRWrapper, name string) (*DOS3FileDescriptor, error) {
	var found *DOS3FileDescriptor
	err := dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
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

func (d *DOS3Driver) freeEntry(w *ATRWrapper) (*DOS3FileDescriptor, error) {
	var slot *DOS3FileDescriptor
	err := dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
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

// dos3Resolve rejects paths below the flat root.
func dos3Resolve(path string) (string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", ErrIsDir
	}
	if len(parts) > 1 {
		return "", ErrNotDir
	}
	return parts[0], nil
}

func dos3ClusterSector(c int) int { return DOS3_DATA_START + c*DOS3_CLUSTER_SECTORS }

// ---------------------------------------------------------------------------
// probe

func (d *DOS3Driver) Probe(w *ATRWrapper) bool {

	if w.SectorSize != 128 || w.Sectors < DOS3_DATA_START+DOS3_CLUSTER_SECTORS {
		return false
	}

	f, err := d.readFAT(w)
	if err != nil {
		return false
	}
	if f.count != dos3ClusterCount(w.Sectors) {
		return false
	}
	for c := 0; c < f.count; c++ {
		v := f.Value(c)
		if int(v) < f.count || v == DOS3_FAT_EOF || v == DOS3_FAT_FREE || v == DOS3_FAT_RESERVED {
			continue
		}
		return false
	}

	// directory entries must be unused or carry the valid bit
	ok := true
	dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
		if fd.Unused() {
			if fd.Flags() != 0 {
				ok = false
				return true, nil
			}
			return false, nil
		}
		if fd.Active() {
			for _, ch := range fd.Data[1:12] {
				if ch != 0x20 && (ch < 0x30 || ch > 0x5a) {
					ok = false
					return true, nil
				}
			}
			if fd.Start() >= f.count || fd.Clusters() > f.count {
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

func (d *DOS3Driver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	if len(splitPath(path)) == 0 {
		return FileInfo{Name: "/", IsDir: true, Size: DOS3_DIR_SECTORS * 128, Start: DOS3_DIR_START}, nil
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fd, err := d.findEntry(w, name)
	if err != nil {
		return FileInfo{}, err
	}
	return dos3Info(fd), nil
}

func dos3Info(fd *DOS3FileDescriptor) FileInfo {
	start := 0
	if fd.Clusters() > 0 {
		start = dos3ClusterSector(fd.Start())
	}
	return FileInfo{
		Name:   fd.Name(),
		Size:   fd.Size(),
		Locked: fd.IsLocked(),
		Start:  start,
	}
}

func (d *DOS3Driver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	if len(splitPath(path)) != 0 {
		if _, err := dos3Resolve(path); err != nil {
			return err
		}
		return ErrNotDir
	}
	return dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
		if !fd.Active() {
			return false, nil
		}
		return false, fn(dos3Info(fd))
	})
}

func (d *DOS3Driver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	name, err := dos3Resolve(path)
	if err != nil {
		return nil, err
	}
	fd, err := d.findEntry(w, name)
	if err != nil {
		return nil, err
	}
	if fd.Clusters() == 0 {
		return []byte{}, nil
	}

	f, err := d.readFAT(w)
	if err != nil {
		return nil, err
	}
	chain, cerr := f.chain(fd.Start())

	size := fd.Size()
	out := make([]byte, 0, size)
	for _, c := range chain {
		if len(out) >= size {
			break
		}
		first := dos3ClusterSector(c)
		for i := 0; i < DOS3_CLUSTER_SECTORS && len(out) < size; i++ {
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
	if cerr != nil || len(out) < size {
		log.Errorf("%s: corrupt cluster chain reading %s", w.Filename, path)
		return out, ErrIO
	}
	return out, nil
}

func (d *DOS3Driver) WriteFile(w *ATRWrapper, path string, data []byte) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}

	f, err := d.readFAT(w)
	if err != nil {
		return err
	}

	fd, err := d.findEntry(w, name)
	if err == nil {
		if fd.IsLocked() {
			return ErrReadOnly
		}
		if fd.Clusters() > 0 {
			chain, _ := f.chain(fd.Start())
			for _, c := range chain {
				f.SetValue(c, DOS3_FAT_FREE)
			}
		}
	} else if err == ErrNotFound {
		fd, err = d.freeEntry(w)
		if err != nil {
			return err
		}
		for i := range fd.Data {
			fd.Data[i] = 0
		}
	} else {
		return err
	}

	need := (len(data) + DOS3_CLUSTER_BYTES - 1) / DOS3_CLUSTER_BYTES
	var chain []int
	for c := 0; c < f.count && len(chain) < need; c++ {
		if f.Value(c) == DOS3_FAT_FREE {
			chain = append(chain, c)
		}
	}
	if len(chain) < need {
		return ErrNoSpace
	}

	for i, c := range chain {
		if i+1 < len(chain) {
			f.SetValue(c, byte(chain[i+1]))
		} else {
			f.SetValue(c, DOS3_FAT_EOF)
		}
		first := dos3ClusterSector(c)
		off := i * DOS3_CLUSTER_BYTES
		for j := 0; j < DOS3_CLUSTER_SECTORS; j++ {
			s, err := w.SectorSlice(first + j)
			if err != nil {
				return err
			}
			for k := range s {
				pos := off + j*128 + k
				if pos < len(data) {
					s[k] = data[pos]
				} else {
					s[k] = 0
				}
			}
		}
	}

	if err := f.Publish(w); err != nil {
		return err
	}

	fd.SetFlags(DOS3_FLAG_VALID | DOS3_FLAG_INUSE)
	fd.SetName(name)
	fd.SetClusters(len(chain))
	if len(chain) > 0 {
		fd.SetStart(chain[0])
	} else {
		fd.SetStart(0)
	}
	fd.SetFinal(len(data) & 0xffff)
	return fd.Publish(w)
}

func (d *DOS3Driver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}
	if _, err := d.findEntry(w, name); err == nil {
		return ErrExists
	}
	fd, err := d.freeEntry(w)
	if err != nil {
		return err
	}
	for i := range fd.Data {
		fd.Data[i] = 0
	}
	fd.SetFlags(DOS3_FLAG_VALID | DOS3_FLAG_INUSE)
	fd.SetName(name)
	return fd.Publish(w)
}

func (d *DOS3Driver) Truncate(w *ATRWrapper, path string, size int) error {
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

func (d *DOS3Driver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, name)
	if err != nil {
		return err
	}
	if fd.IsLocked() {
		return ErrReadOnly
	}

	if fd.Clusters() > 0 {
		f, err := d.readFAT(w)
		if err != nil {
			return err
		}
		chain, cerr := f.chain(fd.Start())
		if cerr != nil {
			log.Warnf("%s: freeing partial cluster chain for %s", w.Filename, path)
		}
		for _, c := range chain {
			f.SetValue(c, DOS3_FAT_FREE)
		}
		if err := f.Publish(w); err != nil {
			return err
		}
	}

	fd.SetFlags(DOS3_FLAG_VALID)
	return fd.Publish(w)
}

func (d *DOS3Driver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
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

	src, err := d.findEntry(w, oldname)
	if err != nil {
		return err
	}
	dst, derr := d.findEntry(w, newname)

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

func (d *DOS3Driver) Mkdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	return ErrUnsupported
}

func (d *DOS3Driver) Rmdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if len(splitPath(path)) == 0 {
		return ErrBusy
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, name); err != nil {
		return err
	}
	return ErrNotDir
}

func (d *DOS3Driver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, name)
	if err != nil {
		return err
	}
	if locked {
		fd.SetFlags(fd.Flags() | DOS3_FLAG_LOCKED)
	} else {
		fd.SetFlags(fd.Flags() &^ DOS3_FLAG_LOCKED)
	}
	return fd.Publish(w)
}

func (d *DOS3Driver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, name); err != nil {
		return err
	}
	return nil
}

func (d *DOS3Driver) StatFS(w *ATRWrapper) (StatFS, error) {
	f, err := d.readFAT(w)
	if err != nil {
		return StatFS{}, err
	}
	used := 0
	dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: f.count * DOS3_CLUSTER_SECTORS,
		FreeSectors:  f.FreeCount() * DOS3_CLUSTER_SECTORS,
		TotalEntries: DOS3_MAX_ENTRIES,
		FreeEntries:  DOS3_MAX_ENTRIES - used,
		NameLen:      12,
	}, nil
}

func (d *DOS3Driver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Atari DOS 3 filesystem\n")
	fmt.Fprintf(&sb, "Geometry:            %s\n", w.Geometry())

	f, err := d.readFAT(w)
	if err != nil {
		sb.WriteString("FAT unreadable\n")
		return sb.String()
	}
	used := 0
	dos3Catalog(w, func(fd *DOS3FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	fmt.Fprintf(&sb, "Total data clusters: %d\n", f.count)
	fmt.Fprintf(&sb, "Free clusters:       %d\n", f.FreeCount())
	fmt.Fprintf(&sb, "Cluster size:        %d bytes\n", DOS3_CLUSTER_BYTES)
	fmt.Fprintf(&sb, "Directory entries:   %d of %d used\n", used, DOS3_MAX_ENTRIES)
	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *DOS3Driver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if w.SectorSize != 128 {
		return ErrInvalidArg
	}
	count := dos3ClusterCount(w.Sectors)
	if count < 1 {
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

	for sec := DOS3_DIR_START; sec < DOS3_DIR_START+DOS3_DIR_SECTORS; sec++ {
		w.ZeroSector(sec)
	}

	fat, err := w.SectorSlice(DOS3_FAT_SECTOR)
	if err != nil {
		return err
	}
	fat[0] = byte(count)
	for i := 1; i < len(fat); i++ {
		if i <= count {
			fat[i] = DOS3_FAT_FREE
		} else {
			fat[i] = DOS3_FAT_RESERVED
		}
	}

	w.Format = DRIVER_DOS3
	log.Infof("%s: initialised DOS 3 filesystem, %d clusters", w.Filename, count)
	return nil
}
