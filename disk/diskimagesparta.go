package disk

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// SpartaDOS filesystem (SDFS revisions 1.1, 2.0, 2.1). Sector 1 doubles as
// boot sector and superblock; files and directories are byte streams reached
// through doubly linked sector maps, so everything here moves through the
// stream helpers at the bottom.

const SPARTA_SUPER_SECTOR = 1

const SPARTA_SB_ROOTMAP = 9
const SPARTA_SB_TOTAL = 11
const SPARTA_SB_FREE = 13
const SPARTA_SB_BITMAP_COUNT = 15
const SPARTA_SB_BITMAP_FIRST = 16
const SPARTA_SB_DATA_HINT = 18
const SPARTA_SB_DIR_HINT = 20
const SPARTA_SB_VOLNAME = 22
const SPARTA_SB_TRACKS = 30
const SPARTA_SB_SECSIZE = 31
const SPARTA_SB_REVISION = 32
const SPARTA_SB_VOLSEQ = 33
const SPARTA_SB_STAMP = 39

const SPARTA_REV_11 = 0x11
const SPARTA_REV_20 = 0x20
const SPARTA_REV_21 = 0x21

const SPARTA_DE_SIZE = 23

const SPARTA_ST_LOCKED = 0x01
const SPARTA_ST_HIDDEN = 0x02
const SPARTA_ST_ARCHIVED = 0x04
const SPARTA_ST_INUSE = 0x08
const SPARTA_ST_DELETED = 0x10
const SPARTA_ST_SUBDIR = 0x20
const SPARTA_ST_OPENOUT = 0x40

type SpartaDriver struct{}

func (d *SpartaDriver) ID() DriverID { return DRIVER_SPARTA }

func (d *SpartaDriver) Name() string { return "SpartaDOS FS" }

// ---------------------------------------------------------------------------
// superblock

type SpartaSuper struct {
	Data []byte
}

func (d *SpartaDriver) readSuper(w *ATRWrapper) (*SpartaSuper, error) {
	s, err := w.ReadSector(SPARTA_SUPER_SECTOR)
	if err != nil {
		return nil, err
	}
	if len(s) < 48 {
		return nil, ErrIO
	}
	return &SpartaSuper{Data: s}, nil
}

func (sb *SpartaSuper) Publish(w *ATRWrapper) error {
	return w.WriteSector(SPARTA_SUPER_SECTOR, sb.Data)
}

func (sb *SpartaSuper) RootMap() int      { return le16(sb.Data[SPARTA_SB_ROOTMAP:]) }
func (sb *SpartaSuper) Total() int        { return le16(sb.Data[SPARTA_SB_TOTAL:]) }
func (sb *SpartaSuper) Free() int         { return le16(sb.Data[SPARTA_SB_FREE:]) }
func (sb *SpartaSuper) SetFree(n int)     { putLE16(sb.Data[SPARTA_SB_FREE:], n) }
func (sb *SpartaSuper) BitmapCount() int  { return int(sb.Data[SPARTA_SB_BITMAP_COUNT]) }
func (sb *SpartaSuper) BitmapFirst() int  { return le16(sb.Data[SPARTA_SB_BITMAP_FIRST:]) }
func (sb *SpartaSuper) DataHint() int     { return le16(sb.Data[SPARTA_SB_DATA_HINT:]) }
func (sb *SpartaSuper) SetDataHint(n int) { putLE16(sb.Data[SPARTA_SB_DATA_HINT:], n) }
func (sb *SpartaSuper) Revision() byte    { return sb.Data[SPARTA_SB_REVISION] }

func (sb *SpartaSuper) VolName() string {
	return strings.TrimRight(string(sb.Data[SPARTA_SB_VOLNAME:SPARTA_SB_VOLNAME+8]), " ")
}

func (sb *SpartaSuper) SetVolName(name string) {
	copy(sb.Data[SPARTA_SB_VOLNAME:SPARTA_SB_VOLNAME+8], []byte(pad(name, 8)))
}

func (sb *SpartaSuper) FormatStamp() time.Time {
	return spartaTime(sb.Data[SPARTA_SB_STAMP : SPARTA_SB_STAMP+6])
}

// spartaSecsizeCode is the superblock encoding of the sector size.
func spartaSecsizeCode(secsize int) byte {
	switch secsize {
	case 128:
		return 0x80
	case 512:
		return 0x01
	}
	return 0x00
}

// ---------------------------------------------------------------------------
// timestamps: day, month, 2 digit year, hour, minute, second. Years below
// 87 land in 20xx, everything else in 19xx.

func spartaTime(b []byte) time.Time {
	day, mon, yy := int(b[0]), int(b[1]), int(b[2])
	if day == 0 || mon == 0 || mon > 12 || day > 31 {
		return time.Time{}
	}
	year := 1900 + yy
	if yy < 87 {
		year = 2000 + yy
	}
	h, m, s := int(b[3]), int(b[4]), int(b[5])
	if h > 23 || m > 59 || s > 59 {
		h, m, s = 0, 0, 0
	}
	return time.Date(year, time.Month(mon), day, h, m, s, 0, time.UTC)
}

func spartaStamp(b []byte, t time.Time) {
	if t.IsZero() {
		for i := 0; i < 6; i++ {
			b[i] = 0
		}
		return
	}
	b[0] = byte(t.Day())
	b[1] = byte(int(t.Month()))
	b[2] = byte(t.Year() % 100)
	b[3] = byte(t.Hour())
	b[4] = byte(t.Minute())
	b[5] = byte(t.Second())
}

// ---------------------------------------------------------------------------
// free sector bitmap. Bit 7 of byte 0 is sector 0; set means free.

type spartaBitmap struct {
	data  []byte
	first int
	count int
	super *SpartaSuper
}

func (d *SpartaDriver) readBitmap(w *ATRWrapper, sb *SpartaSuper) (*spartaBitmap, error) {
	bm := &spartaBitmap{first: sb.BitmapFirst(), count: sb.BitmapCount(), super: sb}
	if bm.first < 1 || bm.count < 1 || bm.first+bm.count-1 > w.Sectors {
		return nil, ErrIO
	}
	for i := 0; i < bm.count; i++ {
		s, err := w.ReadSector(bm.first + i)
		if err != nil {
			return nil, err
		}
		bm.data = append(bm.data, s...)
	}
	return bm, nil
}

func (bm *spartaBitmap) Publish(w *ATRWrapper) error {
	off := 0
	for i := 0; i < bm.count; i++ {
		size := w.SectorLen(bm.first + i)
		if err := w.WriteSector(bm.first+i, bm.data[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return bm.super.Publish(w)
}

func (bm *spartaBitmap) IsFree(sector int) bool {
	if sector < 0 || sector/8 >= len(bm.data) {
		return false
	}
	return bm.data[sector/8]&(1<<uint(7-sector%8)) != 0
}

func (bm *spartaBitmap) Alloc(sector int) {
	if !bm.IsFree(sector) {
		return
	}
	bm.data[sector/8] &^= 1 << uint(7-sector%8)
	bm.super.SetFree(bm.super.Free() - 1)
}

func (bm *spartaBitmap) Release(sector int) {
	if sector < 0 || sector/8 >= len(bm.data) || bm.IsFree(sector) {
		return
	}
	bm.data[sector/8] |= 1 << uint(7-sector%8)
	bm.super.SetFree(bm.super.Free() + 1)
}

// NextFree starts at the superblock hint and wraps once.
func (bm *spartaBitmap) NextFree(max int) int {
	hint := bm.super.DataHint()
	if hint < 4 || hint > max {
		hint = 4
	}
	for s := hint; s <= max; s++ {
		if bm.IsFree(s) {
			bm.super.SetDataHint(s + 1)
			return s
		}
	}
	for s := 4; s < hint; s++ {
		if bm.IsFree(s) {
			bm.super.SetDataHint(s + 1)
			return s
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// sector map streams

func spartaSlotsPerMap(secsize int) int {
	return (secsize - 4) / 2
}

// spartaMapChain follows the map links of a stream and returns the map
// sectors plus the first nsecs data sector slots (zero slots are holes).
func spartaMapChain(w *ATRWrapper, firstMap, nsecs int) ([]int, []int, error) {
	perMap := spartaSlotsPerMap(w.SectorSize)
	var maps []int
	var data []int
	visited := make(map[int]bool)

	sec := firstMap
	for sec != 0 && (len(maps) == 0 || len(data) < nsecs) {
		if visited[sec] {
			log.Errorf("%s: circular sector map at %d", w.Filename, sec)
			return nil, nil, ErrIO
		}
		visited[sec] = true
		s, err := w.SectorSlice(sec)
		if err != nil {
			return nil, nil, ErrIO
		}
		maps = append(maps, sec)
		for j := 0; j < perMap && len(data) < nsecs; j++ {
			data = append(data, le16(s[4+2*j:]))
		}
		sec = le16(s[0:2])
	}
	if len(data) < nsecs {
		return nil, nil, ErrIO
	}
	return maps, data, nil
}

// readStream copies n bytes at off out of a stream of the given length.
func (d *SpartaDriver) readStream(w *ATRWrapper, firstMap, length, off, n int) ([]byte, error) {
	if off >= length {
		return []byte{}, nil
	}
	if off+n > length {
		n = length - off
	}
	nsecs := (length + w.SectorSize - 1) / w.SectorSize
	_, data, err := spartaMapChain(w, firstMap, nsecs)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	for i := 0; i < n; {
		sec := data[(off+i)/w.SectorSize]
		so := (off + i) % w.SectorSize
		chunk := w.SectorSize - so
		if chunk > n-i {
			chunk = n - i
		}
		if sec != 0 {
			s, err := w.SectorSlice(sec)
			if err != nil {
				return nil, ErrIO
			}
			copy(out[i:i+chunk], s[so:so+chunk])
		}
		i += chunk
	}
	return out, nil
}

// writeStream patches bytes inside the allocated extent of a stream.
func (d *SpartaDriver) writeStream(w *ATRWrapper, firstMap, length, off int, b []byte) error {
	if off+len(b) > length {
		return ErrIO
	}
	nsecs := (length + w.SectorSize - 1) / w.SectorSize
	_, data, err := spartaMapChain(w, firstMap, nsecs)
	if err != nil {
		return err
	}
	for i := 0; i < len(b); {
		sec := data[(off+i)/w.SectorSize]
		so := (off + i) % w.SectorSize
		chunk := w.SectorSize - so
		if chunk > len(b)-i {
			chunk = len(b) - i
		}
		if sec == 0 {
			return ErrIO
		}
		s, err := w.SectorSlice(sec)
		if err != nil {
			return ErrIO
		}
		copy(s[so:so+chunk], b[i:i+chunk])
		i += chunk
	}
	return nil
}

// freeStream releases the data and map sectors of a stream.
func (d *SpartaDriver) freeStream(w *ATRWrapper, bm *spartaBitmap, firstMap, length int) {
	nsecs := (length + w.SectorSize - 1) / w.SectorSize
	maps, data, err := spartaMapChain(w, firstMap, nsecs)
	if err != nil {
		log.Warnf("%s: freeing unwalkable stream at map %d", w.Filename, firstMap)
		return
	}
	for _, sec := range data {
		if sec != 0 {
			bm.Release(sec)
		}
	}
	for _, sec := range maps {
		bm.Release(sec)
	}
}

// buildStream allocates maps and data for a fresh stream and writes the
// content. Returns the first map sector. On a full disk it stops early,
// leaving a consistent shorter stream, and reports the bytes stored.
func (d *SpartaDriver) buildStream(w *ATRWrapper, bm *spartaBitmap, content []byte) (int, int, error) {
	perMap := spartaSlotsPerMap(w.SectorSize)
	nsecs := (len(content) + w.SectorSize - 1) / w.SectorSize
	nmaps := (nsecs + perMap - 1) / perMap
	if nmaps == 0 {
		nmaps = 1
	}

	maps := make([]int, 0, nmaps)
	for i := 0; i < nmaps; i++ {
		sec := bm.NextFree(w.Sectors)
		if sec == 0 {
			for _, m := range maps {
				bm.Release(m)
			}
			return 0, 0, ErrNoSpace
		}
		bm.Alloc(sec)
		maps = append(maps, sec)
	}

	data := make([]int, 0, nsecs)
	written := 0
	short := false
	for i := 0; i < nsecs; i++ {
		sec := bm.NextFree(w.Sectors)
		if sec == 0 {
			short = true
			break
		}
		bm.Alloc(sec)
		data = append(data, sec)
		n := w.SectorSize
		if n > len(content)-written {
			n = len(content) - written
		}
		s, _ := w.SectorSlice(sec)
		copy(s[:n], content[written:written+n])
		for j := n; j < len(s); j++ {
			s[j] = 0
		}
		written += n
	}

	// drop map sectors the shortened stream no longer needs
	needMaps := (len(data) + perMap - 1) / perMap
	if needMaps == 0 {
		needMaps = 1
	}
	for len(maps) > needMaps {
		bm.Release(maps[len(maps)-1])
		maps = maps[:len(maps)-1]
	}

	for i, m := range maps {
		s, _ := w.SectorSlice(m)
		for j := range s {
			s[j] = 0
		}
		if i+1 < len(maps) {
			putLE16(s[0:2], maps[i+1])
		}
		if i > 0 {
			putLE16(s[2:4], maps[i-1])
		}
		for j := 0; j < perMap; j++ {
			idx := i*perMap + j
			if idx < len(data) {
				putLE16(s[4+2*j:], data[idx])
			}
		}
	}

	if short {
		return maps[0], written, ErrNoSpace
	}
	return maps[0], written, nil
}

// extendStream grows a stream's allocation to cover newLen bytes, zeroing
// the new sectors. The caller updates the owning entry's length.
func (d *SpartaDriver) extendStream(w *ATRWrapper, bm *spartaBitmap, firstMap, length, newLen int) error {
	perMap := spartaSlotsPerMap(w.SectorSize)
	have := (length + w.SectorSize - 1) / w.SectorSize
	need := (newLen + w.SectorSize - 1) / w.SectorSize
	if need <= have {
		return nil
	}

	maps, data, err := spartaMapChain(w, firstMap, have)
	if err != nil {
		return err
	}

	for i := have; i < need; i++ {
		sec := bm.NextFree(w.Sectors)
		if sec == 0 {
			return ErrNoSpace
		}
		bm.Alloc(sec)
		w.ZeroSector(sec)

		slot := i % perMap
		mi := i / perMap
		if mi >= len(maps) {
			msec := bm.NextFree(w.Sectors)
			if msec == 0 {
				bm.Release(sec)
				return ErrNoSpace
			}
			bm.Alloc(msec)
			w.ZeroSector(msec)
			ms, _ := w.SectorSlice(msec)
			putLE16(ms[2:4], maps[len(maps)-1])
			ps, _ := w.SectorSlice(maps[len(maps)-1])
			putLE16(ps[0:2], msec)
			maps = append(maps, msec)
		}
		ms, _ := w.SectorSlice(maps[mi])
		putLE16(ms[4+2*slot:], sec)
		data = append(data, sec)
	}
	return nil
}

// ---------------------------------------------------------------------------
// directory entries

type SpartaDirEntry struct {
	Data    []byte // 23 byte working copy
	dirMap  int    // first map sector of the directory holding the entry
	dirLen  int
	offset  int // byte offset of the entry within the directory stream
	index   int
}

func (e *SpartaDirEntry) Status() byte     { return e.Data[0] }
func (e *SpartaDirEntry) SetStatus(b byte) { e.Data[0] = b }
func (e *SpartaDirEntry) FirstMap() int    { return le16(e.Data[1:3]) }
func (e *SpartaDirEntry) SetFirstMap(n int) { putLE16(e.Data[1:3], n) }
func (e *SpartaDirEntry) Length() int      { return le24(e.Data[3:6]) }
func (e *SpartaDirEntry) SetLength(n int)  { putLE24(e.Data[3:6], n) }

func (e *SpartaDirEntry) InUse() bool  { return e.Data[0]&SPARTA_ST_INUSE != 0 && e.Data[0]&SPARTA_ST_DELETED == 0 }
func (e *SpartaDirEntry) IsDir() bool  { return e.Data[0]&SPARTA_ST_SUBDIR != 0 }
func (e *SpartaDirEntry) Locked() bool { return e.Data[0]&SPARTA_ST_LOCKED != 0 }

func (e *SpartaDirEntry) Name() string {
	base := strings.TrimRight(string(e.Data[6:14]), " ")
	ext := strings.TrimRight(string(e.Data[14:17]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func (e *SpartaDirEntry) SetName(name string) {
	base, ext := splitName83(name)
	copy(e.Data[6:14], []byte(pad(base, 8)))
	copy(e.Data[14:17], []byte(pad(ext, 3)))
}

func (e *SpartaDirEntry) MTime() time.Time     { return spartaTime(e.Data[17:23]) }
func (e *SpartaDirEntry) SetMTime(t time.Time) { spartaStamp(e.Data[17:23], t) }

func (d *SpartaDriver) publishEntry(w *ATRWrapper, e *SpartaDirEntry) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	return d.writeStream(w, e.dirMap, e.dirLen, e.offset, e.Data)
}

// dirLength reads the directory's byte length out of its self entry.
func (d *SpartaDriver) dirLength(w *ATRWrapper, firstMap int) (int, error) {
	head, err := d.readStream(w, firstMap, SPARTA_DE_SIZE, 0, SPARTA_DE_SIZE)
	if err != nil {
		return 0, err
	}
	if len(head) < SPARTA_DE_SIZE {
		return 0, ErrIO
	}
	n := le24(head[3:6])
	if n < SPARTA_DE_SIZE {
		return 0, ErrIO
	}
	return n, nil
}

// spartaCatalog walks the live entries of one directory, self entry
// excluded.
func (d *SpartaDriver) spartaCatalog(w *ATRWrapper, firstMap int, fn func(e *SpartaDirEntry) (bool, error)) error {
	length, err := d.dirLength(w, firstMap)
	if err != nil {
		return err
	}
	buf, err := d.readStream(w, firstMap, length, 0, length)
	if err != nil {
		return err
	}
	for i := 1; (i+1)*SPARTA_DE_SIZE <= len(buf); i++ {
		e := &SpartaDirEntry{
			Data:   buf[i*SPARTA_DE_SIZE : (i+1)*SPARTA_DE_SIZE],
			dirMap: firstMap,
			dirLen: length,
			offset: i * SPARTA_DE_SIZE,
			index:  i,
		}
		stop, err := fn(e)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// resolveDir descends the path and returns the first map sector of the
// directory it names.
func (d *SpartaDriver) resolveDir(w *ATRWrapper, sb *SpartaSuper, parts []string) (int, error) {
	cur := sb.RootMap()
	for _, part := range parts {
		e, err := d.findEntry(w, cur, part)
		if err != nil {
			return 0, err
		}
		if !e.IsDir() {
			return 0, ErrNotDir
		}
		cur = e.FirstMap()
	}
	return cur, nil
}

func (d *SpartaDriver) findEntry(w *ATRWrapper, dirMap int, name string) (*SpartaDirEntry, error) {
	var found *SpartaDirEntry
	err := d.spartaCatalog(w, dirMap, func(e *SpartaDirEntry) (bool, error) {
		if e.InUse() && e.Name() == name {
			found = e
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

// takeSlot finds a reusable deleted entry or appends a fresh one, growing
// the directory stream when needed.
func (d *SpartaDriver) takeSlot(w *ATRWrapper, bm *spartaBitmap, dirMap int) (*SpartaDirEntry, error) {
	var slot *SpartaDirEntry
	err := d.spartaCatalog(w, dirMap, func(e *SpartaDirEntry) (bool, error) {
		if !e.InUse() {
			slot = e
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if slot != nil {
		return slot, nil
	}

	length, err := d.dirLength(w, dirMap)
	if err != nil {
		return nil, err
	}
	newLen := length + SPARTA_DE_SIZE
	if err := d.extendStream(w, bm, dirMap, length, newLen); err != nil {
		return nil, err
	}

	// grow the length in the self entry before using the new slot
	var lenb [3]byte
	putLE24(lenb[:], newLen)
	if err := d.writeStream(w, dirMap, newLen, 3, lenb[:]); err != nil {
		return nil, err
	}

	return &SpartaDirEntry{
		Data:   make([]byte, SPARTA_DE_SIZE),
		dirMap: dirMap,
		dirLen: newLen,
		offset: length,
		index:  length / SPARTA_DE_SIZE,
	}, nil
}

// ---------------------------------------------------------------------------
// probe

func (d *SpartaDriver) Probe(w *ATRWrapper) bool {

	if w.Sectors < 12 {
		return false
	}

	sb, err := d.readSuper(w)
	if err != nil {
		return false
	}

	switch sb.Revision() {
	case SPARTA_REV_11, SPARTA_REV_20, SPARTA_REV_21:
	default:
		return false
	}
	if sb.Data[SPARTA_SB_SECSIZE] != spartaSecsizeCode(w.SectorSize) {
		return false
	}

	total := sb.Total()
	if total < 8 || total > w.Sectors {
		return false
	}
	if sb.Free() > total {
		return false
	}
	root := sb.RootMap()
	if root < 2 || root > total {
		return false
	}
	bf, bc := sb.BitmapFirst(), sb.BitmapCount()
	if bf < 2 || bc < 1 || bf+bc-1 > total {
		return false
	}

	// the root map must look like a head map sector
	s, err := w.ReadSector(root)
	if err != nil || le16(s[2:4]) != 0 {
		return false
	}

	if _, err := d.dirLength(w, root); err != nil {
		return false
	}

	return true
}

// ---------------------------------------------------------------------------
// operations

func (d *SpartaDriver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	sb, err := d.readSuper(w)
	if err != nil {
		return FileInfo{}, err
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		length, _ := d.dirLength(w, sb.RootMap())
		return FileInfo{Name: "/", IsDir: true, Size: length, Start: sb.RootMap()}, nil
	}
	dir, name := parts[:len(parts)-1], parts[len(parts)-1]
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return FileInfo{}, err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return FileInfo{}, err
	}
	return spartaInfo(e), nil
}

func spartaInfo(e *SpartaDirEntry) FileInfo {
	return FileInfo{
		Name:   e.Name(),
		Size:   e.Length(),
		IsDir:  e.IsDir(),
		Locked: e.Locked(),
		MTime:  e.MTime(),
		Start:  e.FirstMap(),
	}
}

func (d *SpartaDriver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, splitPath(path))
	if err != nil {
		return err
	}
	return d.spartaCatalog(w, dirMap, func(e *SpartaDirEntry) (bool, error) {
		if !e.InUse() {
			return false, nil
		}
		return false, fn(spartaInfo(e))
	})
}

func (d *SpartaDriver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	sb, err := d.readSuper(w)
	if err != nil {
		return nil, err
	}
	dir, name := baseDir(path)
	if name == "" {
		return nil, ErrIsDir
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return nil, err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, ErrIsDir
	}
	return d.readStream(w, e.FirstMap(), e.Length(), 0, e.Length())
}

func (d *SpartaDriver) WriteFile(w *ATRWrapper, path string, data []byte) error {
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

	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}

	e, err := d.findEntry(w, dirMap, name)
	fresh := false
	if err == nil {
		if e.IsDir() {
			return ErrIsDir
		}
		if e.Locked() {
			return ErrReadOnly
		}
		if e.FirstMap() != 0 {
			d.freeStream(w, bm, e.FirstMap(), e.Length())
		}
	} else if err == ErrNotFound {
		e, err = d.takeSlot(w, bm, dirMap)
		if err != nil {
			return err
		}
		fresh = true
	} else {
		return err
	}

	firstMap, written, werr := d.buildStream(w, bm, data)
	if werr != nil && werr != ErrNoSpace {
		return werr
	}

	if err := bm.Publish(w); err != nil {
		return err
	}

	if fresh {
		for i := range e.Data {
			e.Data[i] = 0
		}
	}
	e.SetStatus(SPARTA_ST_INUSE | (e.Status() & (SPARTA_ST_ARCHIVED | SPARTA_ST_HIDDEN)))
	e.SetFirstMap(firstMap)
	e.SetLength(written)
	e.SetName(name)
	e.SetMTime(time.Now())
	if err := d.publishEntry(w, e); err != nil {
		return err
	}

	if werr == ErrNoSpace {
		log.Warnf("%s: disk full writing %s, %d of %d bytes stored", w.Filename, path, written, len(data))
	}
	return werr
}

func (d *SpartaDriver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirMap, name); err == nil {
		return ErrExists
	}

	e, err := d.takeSlot(w, bm, dirMap)
	if err != nil {
		return err
	}
	firstMap, _, err := d.buildStream(w, bm, nil)
	if err != nil {
		return err
	}
	if err := bm.Publish(w); err != nil {
		return err
	}

	for i := range e.Data {
		e.Data[i] = 0
	}
	e.SetStatus(SPARTA_ST_INUSE)
	e.SetFirstMap(firstMap)
	e.SetLength(0)
	e.SetName(name)
	e.SetMTime(time.Now())
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) Truncate(w *ATRWrapper, path string, size int) error {
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

func (d *SpartaDriver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrIsDir
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return ErrIsDir
	}
	if e.Locked() {
		return ErrReadOnly
	}

	if e.FirstMap() != 0 {
		d.freeStream(w, bm, e.FirstMap(), e.Length())
	}
	if err := bm.Publish(w); err != nil {
		return err
	}

	e.SetStatus(SPARTA_ST_DELETED)
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	olddir, oldname := baseDir(oldpath)
	newdir, newname := baseDir(newpath)
	if oldname == "" || newname == "" || !validName83(newname) {
		return ErrInvalidArg
	}

	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	srcMap, err := d.resolveDir(w, sb, olddir)
	if err != nil {
		return err
	}
	dstMap, err := d.resolveDir(w, sb, newdir)
	if err != nil {
		return err
	}

	src, err := d.findEntry(w, srcMap, oldname)
	if err != nil {
		return err
	}
	dst, derr := d.findEntry(w, dstMap, newname)

	if flags&RENAME_EXCHANGE != 0 {
		if derr != nil {
			return derr
		}
		src.SetName(newname)
		dst.SetName(oldname)
		if err := d.publishEntry(w, src); err != nil {
			return err
		}
		return d.publishEntry(w, dst)
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

	if srcMap == dstMap {
		src.SetName(newname)
		return d.publishEntry(w, src)
	}

	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	slot, err := d.takeSlot(w, bm, dstMap)
	if err != nil {
		return err
	}
	if err := bm.Publish(w); err != nil {
		return err
	}
	copy(slot.Data, src.Data)
	slot.SetName(newname)
	if err := d.publishEntry(w, slot); err != nil {
		return err
	}
	src.SetStatus(SPARTA_ST_DELETED)
	return d.publishEntry(w, src)
}

func (d *SpartaDriver) Mkdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirMap, name); err == nil {
		return ErrExists
	}

	// seed the new directory with its self entry pointing back at us
	self := make([]byte, SPARTA_DE_SIZE)
	self[0] = SPARTA_ST_INUSE | SPARTA_ST_SUBDIR
	putLE16(self[1:3], dirMap)
	putLE24(self[3:6], SPARTA_DE_SIZE)
	base, ext := splitName83(name)
	copy(self[6:14], []byte(pad(base, 8)))
	copy(self[14:17], []byte(pad(ext, 3)))
	spartaStamp(self[17:23], time.Now())

	firstMap, _, err := d.buildStream(w, bm, self)
	if err != nil {
		return err
	}

	e, err := d.takeSlot(w, bm, dirMap)
	if err != nil {
		return err
	}
	if err := bm.Publish(w); err != nil {
		return err
	}

	for i := range e.Data {
		e.Data[i] = 0
	}
	e.SetStatus(SPARTA_ST_INUSE | SPARTA_ST_SUBDIR)
	e.SetFirstMap(firstMap)
	e.SetLength(SPARTA_DE_SIZE)
	e.SetName(name)
	e.SetMTime(time.Now())
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) Rmdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	bm, err := d.readBitmap(w, sb)
	if err != nil {
		return err
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return ErrNotDir
	}

	empty := true
	d.spartaCatalog(w, e.FirstMap(), func(sub *SpartaDirEntry) (bool, error) {
		if sub.InUse() {
			empty = false
			return true, nil
		}
		return false, nil
	})
	if !empty {
		return ErrNotEmpty
	}

	length, _ := d.dirLength(w, e.FirstMap())
	d.freeStream(w, bm, e.FirstMap(), length)
	if err := bm.Publish(w); err != nil {
		return err
	}

	e.SetStatus(SPARTA_ST_DELETED)
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return err
	}
	if locked {
		e.SetStatus(e.Status() | SPARTA_ST_LOCKED)
	} else {
		e.SetStatus(e.Status() &^ SPARTA_ST_LOCKED)
	}
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	sb, err := d.readSuper(w)
	if err != nil {
		return err
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirMap, err := d.resolveDir(w, sb, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirMap, name)
	if err != nil {
		return err
	}
	e.SetMTime(mtime)
	return d.publishEntry(w, e)
}

func (d *SpartaDriver) StatFS(w *ATRWrapper) (StatFS, error) {
	sb, err := d.readSuper(w)
	if err != nil {
		return StatFS{}, err
	}
	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: sb.Total(),
		FreeSectors:  sb.Free(),
		NameLen:      12,
	}, nil
}

func (d *SpartaDriver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	super, err := d.readSuper(w)
	if err != nil {
		return "superblock unreadable\n"
	}

	rev := "?"
	switch super.Revision() {
	case SPARTA_REV_11:
		rev = "1.1"
	case SPARTA_REV_20:
		rev = "2.0"
	case SPARTA_REV_21:
		rev = "2.1"
	}

	fmt.Fprintf(&sb, "SpartaDOS FS revision %s\n", rev)
	fmt.Fprintf(&sb, "Volume name:      %s\n", super.VolName())
	fmt.Fprintf(&sb, "Geometry:         %s\n", w.Geometry())
	fmt.Fprintf(&sb, "Total sectors:    %d\n", super.Total())
	fmt.Fprintf(&sb, "Free sectors:     %d\n", super.Free())
	fmt.Fprintf(&sb, "Bitmap sectors:   %d at %d\n", super.BitmapCount(), super.BitmapFirst())
	fmt.Fprintf(&sb, "Root dir map:     %d\n", super.RootMap())
	if t := super.FormatStamp(); !t.IsZero() {
		fmt.Fprintf(&sb, "Formatted:        %s\n", t.Format("2006-01-02 15:04:05"))
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *SpartaDriver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if w.Sectors < 16 {
		return ErrInvalidArg
	}

	volname := opt.VolName
	if volname == "" {
		volname = "ATRM8"
	}

	total := w.Sectors
	bitmapBytes := (total + 1 + 7) / 8
	bitmapSecs := (bitmapBytes + w.SectorSize - 1) / w.SectorSize

	bitmapFirst := 4
	rootMap := bitmapFirst + bitmapSecs
	rootData := rootMap + 1
	if rootData > total {
		return ErrInvalidArg
	}

	// boot sector with the superblock fields inside
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
	putLE16(s[SPARTA_SB_ROOTMAP:], rootMap)
	putLE16(s[SPARTA_SB_TOTAL:], total)
	s[SPARTA_SB_BITMAP_COUNT] = byte(bitmapSecs)
	putLE16(s[SPARTA_SB_BITMAP_FIRST:], bitmapFirst)
	putLE16(s[SPARTA_SB_DATA_HINT:], rootData+1)
	putLE16(s[SPARTA_SB_DIR_HINT:], rootData+1)
	copy(s[SPARTA_SB_VOLNAME:SPARTA_SB_VOLNAME+8], []byte(pad(volname, 8)))
	if total%40 == 0 {
		s[SPARTA_SB_TRACKS] = byte(40)
	} else {
		s[SPARTA_SB_TRACKS] = 1
	}
	s[SPARTA_SB_SECSIZE] = spartaSecsizeCode(w.SectorSize)
	s[SPARTA_SB_REVISION] = SPARTA_REV_21
	spartaStamp(s[SPARTA_SB_STAMP:SPARTA_SB_STAMP+6], time.Now())

	w.ZeroSector(2)
	w.ZeroSector(3)

	// bitmap: everything free, then the system sectors come out
	for i := 0; i < bitmapSecs; i++ {
		w.ZeroSector(bitmapFirst + i)
	}
	sb := &SpartaSuper{Data: append([]byte{}, s...)}
	bm := &spartaBitmap{
		data:  make([]byte, bitmapSecs*w.SectorSize),
		first: bitmapFirst,
		count: bitmapSecs,
		super: sb,
	}
	free := 0
	for sec := 1; sec <= total; sec++ {
		bm.data[sec/8] |= 1 << uint(7-sec%8)
		free++
	}
	sb.SetFree(free)
	for sec := 1; sec <= 3; sec++ {
		bm.Alloc(sec)
	}
	for i := 0; i < bitmapSecs; i++ {
		bm.Alloc(bitmapFirst + i)
	}
	bm.Alloc(rootMap)
	bm.Alloc(rootData)

	// root directory: one map sector and one data sector with the self entry
	ms, err := w.SectorSlice(rootMap)
	if err != nil {
		return err
	}
	for i := range ms {
		ms[i] = 0
	}
	putLE16(ms[4:6], rootData)

	ds, err := w.SectorSlice(rootData)
	if err != nil {
		return err
	}
	for i := range ds {
		ds[i] = 0
	}
	ds[0] = SPARTA_ST_INUSE | SPARTA_ST_SUBDIR
	putLE24(ds[3:6], SPARTA_DE_SIZE)
	copy(ds[6:14], []byte(pad(volname, 8)))
	copy(ds[14:17], []byte("   "))
	spartaStamp(ds[17:23], time.Now())

	// publish the superblock with the final free count
	copy(s, sb.Data)
	if err := bm.Publish(w); err != nil {
		return err
	}

	w.Format = DRIVER_SPARTA
	log.Infof("%s: initialised SpartaDOS FS volume %s, %d sectors free", w.Filename, volname, sb.Free())
	return nil
}
