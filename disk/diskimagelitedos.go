package disk

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// LiteDOS filesystem. A DOS 2 compatible minimalist layout: allocation is
// cluster granular (2^k sectors, chosen at format time) and the directory
// shares the VTOC region starting at sector 360, so small disks keep more
// sectors for data. Entries are DOS 2 shaped, which lets this driver lean
// on DOS2FileDescriptor, and data sectors carry the usual 3 byte trailer.

const LITEDOS_VTOC_SECTOR = 360
const LITEDOS_SIG = 0x80
const LITEDOS_HEADER = 5
const LITEDOS_MAX_ENTRIES = 64
const LITEDOS_LINK_LIMIT = 1023

type LiteDOSDriver struct{}

func (d *LiteDOSDriver) ID() DriverID { return DRIVER_LITEDOS }

func (d *LiteDOSDriver) Name() string { return "LiteDOS" }

// ---------------------------------------------------------------------------
// VTOC+directory region

type liteRegion struct {
	data []byte
	k    int
	spc  int
}

func (d *LiteDOSDriver) readRegion(w *ATRWrapper) (*liteRegion, error) {
	s, err := w.ReadSector(LITEDOS_VTOC_SECTOR)
	if err != nil {
		return nil, err
	}
	if s[0]&LITEDOS_SIG == 0 {
		return nil, ErrIO
	}
	k := int(s[0] & 0x7f)
	if k < 1 || k > 4 {
		return nil, ErrIO
	}
	r := &liteRegion{k: k, spc: 1 << uint(k)}
	if LITEDOS_VTOC_SECTOR+r.spc-1 > w.Sectors {
		return nil, ErrIO
	}
	r.data = s
	for i := 1; i < r.spc; i++ {
		s, err := w.ReadSector(LITEDOS_VTOC_SECTOR + i)
		if err != nil {
			return nil, err
		}
		r.data = append(r.data, s...)
	}
	return r, nil
}

func (r *liteRegion) Publish(w *ATRWrapper) error {
	off := 0
	for i := 0; i < r.spc; i++ {
		size := w.SectorLen(LITEDOS_VTOC_SECTOR + i)
		if err := w.WriteSector(LITEDOS_VTOC_SECTOR+i, r.data[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

func (r *liteRegion) Total() int    { return le16(r.data[1:3]) }
func (r *liteRegion) Free() int     { return le16(r.data[3:5]) }
func (r *liteRegion) SetFree(n int) { putLE16(r.data[3:5], n) }

func (r *liteRegion) bitmapBytes() int { return (r.Total() + 7) / 8 }

// dirOffset is the first directory slot, 16 byte aligned past the bitmap.
func (r *liteRegion) dirOffset() int {
	return (LITEDOS_HEADER + r.bitmapBytes() + 15) &^ 15
}

func (r *liteRegion) Slots() int {
	n := (len(r.data) - r.dirOffset()) / DOS2_ENTRY_SIZE
	if n > LITEDOS_MAX_ENTRIES {
		n = LITEDOS_MAX_ENTRIES
	}
	return n
}

func (r *liteRegion) IsFree(cluster int) bool {
	if cluster < 0 || cluster >= r.Total() {
		return false
	}
	return r.data[LITEDOS_HEADER+cluster/8]&(1<<uint(7-cluster%8)) != 0
}

func (r *liteRegion) Alloc(cluster int) {
	if !r.IsFree(cluster) {
		return
	}
	r.data[LITEDOS_HEADER+cluster/8] &^= 1 << uint(7-cluster%8)
	r.SetFree(r.Free() - 1)
}

func (r *liteRegion) Release(cluster int) {
	if cluster < 0 || cluster >= r.Total() || r.IsFree(cluster) {
		return
	}
	r.data[LITEDOS_HEADER+cluster/8] |= 1 << uint(7-cluster%8)
	r.SetFree(r.Free() + 1)
}

func (r *liteRegion) NextFree() int {
	for c := 1; c < r.Total(); c++ {
		if r.IsFree(c) {
			return c
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// trailers: the standard 10 bit sector link with a 6 bit file id.

func liteTrailer(w *ATRWrapper, s []byte) (fileid, next, count int, last bool) {
	t := s[len(s)-3:]
	fileid = int(t[0]) >> 2
	next = int(t[0]&3)<<8 | int(t[1])
	if w.SectorSize > 128 {
		count = int(t[2])
		last = next == 0
	} else {
		count = int(t[2] & 0x7f)
		last = t[2]&0x80 != 0 || next == 0
	}
	return
}

func liteSetTrailer(w *ATRWrapper, s []byte, fileid, next, count int, last bool) {
	t := s[len(s)-3:]
	t[0] = byte(fileid<<2) | byte((next>>8)&3)
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

// ---------------------------------------------------------------------------
// directory walk, borrowing the DOS 2 descriptor

func (d *LiteDOSDriver) liteCatalog(w *ATRWrapper, r *liteRegion, fn func(fd *DOS2FileDescriptor) (bool, error)) error {
	base := r.dirOffset()
	for i := 0; i < r.Slots(); i++ {
		off := base + i*DOS2_ENTRY_SIZE
		fd := &DOS2FileDescriptor{
			Data:      append([]byte{}, r.data[off:off+DOS2_ENTRY_SIZE]...),
			dirsector: LITEDOS_VTOC_SECTOR + off/w.SectorSize,
			diroffset: off % w.SectorSize,
			index:     i,
		}
		stop, err := fn(fd)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (d *LiteDOSDriver) findEntry(w *ATRWrapper, r *liteRegion, name string) (*DOS2FileDescriptor, error) {
	var found *DOS2FileDescriptor
	err := d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
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

func (d *LiteDOSDriver) freeEntry(w *ATRWrapper, r *liteRegion) (*DOS2FileDescriptor, error) {
	var slot *DOS2FileDescriptor
	err := d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
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

// entry start field holds a cluster number here
func liteFirstSector(r *liteRegion, cluster int) int { return cluster*r.spc + 1 }

// chainSectors walks a file's trailer chain.
func (d *LiteDOSDriver) chainSectors(w *ATRWrapper, r *liteRegion, fd *DOS2FileDescriptor) ([]int, int, error) {
	var sectors []int
	size := 0
	visited := make(map[int]bool)

	if fd.StartSector() == 0 {
		return nil, 0, nil
	}
	sec := liteFirstSector(r, fd.StartSector())
	for sec != 0 {
		if visited[sec] || sec > w.Sectors {
			log.Errorf("%s: corrupt sector chain at %d", w.Filename, sec)
			return sectors, size, ErrIO
		}
		visited[sec] = true
		s, err := w.SectorSlice(sec)
		if err != nil {
			return sectors, size, ErrIO
		}
		fileid, next, count, last := liteTrailer(w, s)
		if fileid != fd.index {
			log.Errorf("%s: sector %d file id %d, expected %d", w.Filename, sec, fileid, fd.index)
			return sectors, size, ErrIO
		}
		sectors = append(sectors, sec)
		size += count
		if last {
			return sectors, size, nil
		}
		sec = next
	}
	return sectors, size, nil
}

// ---------------------------------------------------------------------------
// probe

func (d *LiteDOSDriver) Probe(w *ATRWrapper) bool {

	if w.Sectors < LITEDOS_VTOC_SECTOR+1 {
		return false
	}
	r, err := d.readRegion(w)
	if err != nil {
		return false
	}

	limit := w.Sectors
	if limit > LITEDOS_LINK_LIMIT {
		limit = LITEDOS_LINK_LIMIT
	}
	if r.Total() < 8 || r.Total() > limit/r.spc {
		return false
	}
	if r.Free() > r.Total() {
		return false
	}

	sane := true
	d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() {
			for _, ch := range fd.Data[5:16] {
				if ch != 0x20 && (ch < 0x30 || ch > 0x5a) {
					sane = false
					return true, nil
				}
			}
			if fd.StartSector() >= r.Total() {
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

func (d *LiteDOSDriver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	r, err := d.readRegion(w)
	if err != nil {
		return FileInfo{}, err
	}
	if len(splitPath(path)) == 0 {
		return FileInfo{
			Name:  "/",
			IsDir: true,
			Size:  r.Slots() * DOS2_ENTRY_SIZE,
			Start: LITEDOS_VTOC_SECTOR,
		}, nil
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	fd, err := d.findEntry(w, r, name)
	if err != nil {
		return FileInfo{}, err
	}
	return d.info(w, r, fd), nil
}

func (d *LiteDOSDriver) info(w *ATRWrapper, r *liteRegion, fd *DOS2FileDescriptor) FileInfo {
	_, size, _ := d.chainSectors(w, r, fd)
	start := 0
	if fd.StartSector() != 0 {
		start = liteFirstSector(r, fd.StartSector())
	}
	return FileInfo{
		Name:   fd.Name(),
		Size:   size,
		Locked: fd.IsLocked(),
		Start:  start,
	}
}

func (d *LiteDOSDriver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	if len(splitPath(path)) != 0 {
		if _, err := dos3Resolve(path); err != nil {
			return err
		}
		return ErrNotDir
	}
	return d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
		if !fd.Active() {
			return false, nil
		}
		return false, fn(d.info(w, r, fd))
	})
}

func (d *LiteDOSDriver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	r, err := d.readRegion(w)
	if err != nil {
		return nil, err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return nil, err
	}
	fd, err := d.findEntry(w, r, name)
	if err != nil {
		return nil, err
	}

	sectors, size, cerr := d.chainSectors(w, r, fd)
	out := make([]byte, 0, size)
	for _, sec := range sectors {
		s, err := w.ReadSector(sec)
		if err != nil {
			return out, ErrIO
		}
		_, _, count, _ := liteTrailer(w, s)
		out = append(out, s[:count]...)
	}
	if cerr != nil {
		return out, ErrIO
	}
	return out, nil
}

func (d *LiteDOSDriver) WriteFile(w *ATRWrapper, path string, data []byte) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}

	fd, err := d.findEntry(w, r, name)
	if err == nil {
		if fd.IsLocked() {
			return ErrReadOnly
		}
		chain, _, cerr := d.chainSectors(w, r, fd)
		if cerr != nil {
			log.Warnf("%s: rewriting %s over a corrupt chain", w.Filename, path)
		}
		for _, sec := range chain {
			r.Release((sec - 1) / r.spc)
		}
	} else if err == ErrNotFound {
		fd, err = d.freeEntry(w, r)
		if err != nil {
			return err
		}
		for i := range fd.Data {
			fd.Data[i] = 0
		}
	} else {
		return err
	}

	payload := w.SectorSize - 3
	nsecs := (len(data) + payload - 1) / payload
	nclusters := (nsecs + r.spc - 1) / r.spc
	if nclusters > r.Free() {
		return ErrNoSpace
	}

	var sectors []int
	for len(sectors) < nsecs {
		c := r.NextFree()
		if c < 0 {
			return ErrNoSpace
		}
		r.Alloc(c)
		first := liteFirstSector(r, c)
		for i := 0; i < r.spc && len(sectors) < nsecs; i++ {
			sectors = append(sectors, first+i)
		}
	}

	for i, sec := range sectors {
		s, err := w.SectorSlice(sec)
		if err != nil {
			return err
		}
		chunk := data[i*payload:]
		if len(chunk) > payload {
			chunk = chunk[:payload]
		}
		copy(s[:len(chunk)], chunk)
		for j := len(chunk); j < payload; j++ {
			s[j] = 0
		}
		next := 0
		if i+1 < len(sectors) {
			next = sectors[i+1]
		}
		liteSetTrailer(w, s, fd.index, next, len(chunk), i+1 == len(sectors))
	}

	fd.SetFlags(DOS2_FLAG_INUSE | DOS2_FLAG_DOS2)
	fd.SetName(name)
	fd.SetSectorCount(len(sectors))
	if len(sectors) > 0 {
		fd.SetStartSector((sectors[0] - 1) / r.spc)
	} else {
		fd.SetStartSector(0)
	}
	base := r.dirOffset() + fd.index*DOS2_ENTRY_SIZE
	copy(r.data[base:base+DOS2_ENTRY_SIZE], fd.Data)
	return r.Publish(w)
}

func (d *LiteDOSDriver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if !validName83(name) {
		return ErrInvalidArg
	}
	if _, err := d.findEntry(w, r, name); err == nil {
		return ErrExists
	}
	fd, err := d.freeEntry(w, r)
	if err != nil {
		return err
	}
	for i := range fd.Data {
		fd.Data[i] = 0
	}
	fd.SetFlags(DOS2_FLAG_INUSE | DOS2_FLAG_DOS2)
	fd.SetName(name)
	base := r.dirOffset() + fd.index*DOS2_ENTRY_SIZE
	copy(r.data[base:base+DOS2_ENTRY_SIZE], fd.Data)
	return r.Publish(w)
}

func (d *LiteDOSDriver) Truncate(w *ATRWrapper, path string, size int) error {
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

func (d *LiteDOSDriver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, r, name)
	if err != nil {
		return err
	}
	if fd.IsLocked() {
		return ErrReadOnly
	}

	chain, _, cerr := d.chainSectors(w, r, fd)
	if cerr != nil {
		log.Warnf("%s: freeing partial chain for %s", w.Filename, path)
	}
	for _, sec := range chain {
		r.Release((sec - 1) / r.spc)
	}

	fd.SetFlags(DOS2_FLAG_DELETED)
	base := r.dirOffset() + fd.index*DOS2_ENTRY_SIZE
	copy(r.data[base:base+DOS2_ENTRY_SIZE], fd.Data)
	return r.Publish(w)
}

func (d *LiteDOSDriver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
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

	src, err := d.findEntry(w, r, oldname)
	if err != nil {
		return err
	}
	dst, derr := d.findEntry(w, r, newname)

	if flags&RENAME_EXCHANGE != 0 {
		if derr != nil {
			return derr
		}
		src.SetName(newname)
		dst.SetName(oldname)
		for _, fd := range []*DOS2FileDescriptor{src, dst} {
			base := r.dirOffset() + fd.index*DOS2_ENTRY_SIZE
			copy(r.data[base:base+DOS2_ENTRY_SIZE], fd.Data)
		}
		return r.Publish(w)
	}

	if derr == nil {
		if flags&RENAME_NOREPLACE != 0 {
			return ErrExists
		}
		if err := d.Unlink(w, newpath); err != nil {
			return err
		}
		r, err = d.readRegion(w)
		if err != nil {
			return err
		}
	}
	src.SetName(newname)
	base := r.dirOffset() + src.index*DOS2_ENTRY_SIZE
	copy(r.data[base:base+DOS2_ENTRY_SIZE], src.Data)
	return r.Publish(w)
}

func (d *LiteDOSDriver) Mkdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	return ErrUnsupported
}

func (d *LiteDOSDriver) Rmdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if len(splitPath(path)) == 0 {
		return ErrBusy
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, r, name); err != nil {
		return err
	}
	return ErrNotDir
}

func (d *LiteDOSDriver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	fd, err := d.findEntry(w, r, name)
	if err != nil {
		return err
	}
	if locked {
		fd.SetFlags(fd.Flags() | DOS2_FLAG_LOCKED)
	} else {
		fd.SetFlags(fd.Flags() &^ DOS2_FLAG_LOCKED)
	}
	base := r.dirOffset() + fd.index*DOS2_ENTRY_SIZE
	copy(r.data[base:base+DOS2_ENTRY_SIZE], fd.Data)
	return r.Publish(w)
}

func (d *LiteDOSDriver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	r, err := d.readRegion(w)
	if err != nil {
		return err
	}
	name, err := dos3Resolve(path)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, r, name); err != nil {
		return err
	}
	return nil
}

func (d *LiteDOSDriver) StatFS(w *ATRWrapper) (StatFS, error) {
	r, err := d.readRegion(w)
	if err != nil {
		return StatFS{}, err
	}
	used := 0
	d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: r.Total() * r.spc,
		FreeSectors:  r.Free() * r.spc,
		TotalEntries: r.Slots(),
		FreeEntries:  r.Slots() - used,
		NameLen:      12,
	}, nil
}

func (d *LiteDOSDriver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LiteDOS filesystem\n")
	fmt.Fprintf(&sb, "Geometry:           %s\n", w.Geometry())

	r, err := d.readRegion(w)
	if err != nil {
		sb.WriteString("VTOC unreadable\n")
		return sb.String()
	}
	used := 0
	d.liteCatalog(w, r, func(fd *DOS2FileDescriptor) (bool, error) {
		if fd.Active() {
			used++
		}
		return false, nil
	})
	fmt.Fprintf(&sb, "Cluster size:       %d sectors\n", r.spc)
	fmt.Fprintf(&sb, "Total clusters:     %d\n", r.Total())
	fmt.Fprintf(&sb, "Free clusters:      %d\n", r.Free())
	fmt.Fprintf(&sb, "Directory entries:  %d of %d used\n", used, r.Slots())
	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *LiteDOSDriver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if w.Sectors < LITEDOS_VTOC_SECTOR+16 {
		return ErrInvalidArg
	}

	spc := opt.Cluster
	if spc == 0 {
		spc = 4
	}
	k := 0
	switch spc {
	case 2:
		k = 1
	case 4:
		k = 2
	case 8:
		k = 3
	case 16:
		k = 4
	default:
		return ErrInvalidArg
	}

	limit := w.Sectors
	if limit > LITEDOS_LINK_LIMIT {
		limit = LITEDOS_LINK_LIMIT
	}
	total := limit / spc

	r := &liteRegion{
		data: make([]byte, spc*w.SectorSize),
		k:    k,
		spc:  spc,
	}
	r.data[0] = LITEDOS_SIG | byte(k)
	putLE16(r.data[1:3], total)

	free := 0
	for c := 0; c < total; c++ {
		r.data[LITEDOS_HEADER+c/8] |= 1 << uint(7-c%8)
		free++
	}
	r.SetFree(free)

	// boot sectors and the region itself come off the free map
	for sec := 1; sec <= 3; sec++ {
		r.Alloc((sec - 1) / spc)
	}
	for sec := LITEDOS_VTOC_SECTOR; sec < LITEDOS_VTOC_SECTOR+spc; sec++ {
		r.Alloc((sec - 1) / spc)
	}

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

	if err := r.Publish(w); err != nil {
		return err
	}

	w.Format = DRIVER_LITEDOS
	log.Infof("%s: initialised LiteDOS filesystem, %d sector clusters, %d free", w.Filename, spc, r.Free())
	return nil
}
