package disk

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// DOS XE filesystem. 256-byte clusters built from pairs of 128-byte
// sectors, cluster n covering sectors 2n-1 and 2n. Each cluster carries a
// 6-byte label in its tail, leaving 250 payload bytes. The VTOC lives in
// cluster 4, the root directory in cluster 5. Files reach their data
// through up to twelve map clusters of 125 cluster pointers each.

const XE_CLUSTER_BYTES = 256
const XE_PAYLOAD = 250
const XE_LABEL_OFFSET = 250
const XE_VTOC_CLUSTER = 4
const XE_ROOT_CLUSTER = 5
const XE_MAGIC = 0x5845

const XE_ENTRY_SIZE = 49
const XE_DIR_SLOTS = 5
const XE_DIR_NEXT = 245
const XE_MAP_SLOTS = 12
const XE_PTRS_PER_MAP = 125

const XE_ST_LOCKED = 0x01
const XE_ST_DIR = 0x02
const XE_ST_INUSE = 0x40
const XE_ST_DELETED = 0x80

// bitmap payload after the header fields
const XE_BITMAP_OFFSET = 10
const XE_MAX_CLUSTERS = 1919

type XEDriver struct{}

func (d *XEDriver) ID() DriverID { return DRIVER_DOSXE }

func (d *XEDriver) Name() string { return "Atari DOS XE" }

func xeFirstSector(cluster int) int { return 2*cluster - 1 }

func xeClusterCount(sectors int) int {
	n := sectors / 2
	if n > XE_MAX_CLUSTERS {
		n = XE_MAX_CLUSTERS
	}
	return n
}

// readCluster returns a 256 byte copy of the cluster.
func xeReadCluster(w *ATRWrapper, cluster int) ([]byte, error) {
	if cluster < 1 || 2*cluster > w.Sectors {
		return nil, ErrIO
	}
	a, err := w.ReadSector(xeFirstSector(cluster))
	if err != nil {
		return nil, err
	}
	b, err := w.ReadSector(xeFirstSector(cluster) + 1)
	if err != nil {
		return nil, err
	}
	return append(a, b...), nil
}

func xeWriteCluster(w *ATRWrapper, cluster int, buf []byte) error {
	if len(buf) != XE_CLUSTER_BYTES {
		return ErrInvalidArg
	}
	if err := w.WriteSector(xeFirstSector(cluster), buf[0:128]); err != nil {
		return err
	}
	return w.WriteSector(xeFirstSector(cluster)+1, buf[128:256])
}

// xeLabel builds the trailing cluster label.
func xeLabel(buf []byte, fileid, volume, seq int) {
	putLE16(buf[XE_LABEL_OFFSET:], fileid)
	putLE16(buf[XE_LABEL_OFFSET+2:], volume)
	putLE16(buf[XE_LABEL_OFFSET+4:], seq)
}

// xeCheckLabel validates the owner, volume and ordinal of a cluster. A
// zero file id or volume on either side is accepted.
func xeCheckLabel(buf []byte, fileid, volume, seq int) bool {
	id := le16(buf[XE_LABEL_OFFSET:])
	if id != 0 && fileid != 0 && id != fileid {
		return false
	}
	vol := le16(buf[XE_LABEL_OFFSET+2:])
	if vol != 0 && volume != 0 && vol != volume {
		return false
	}
	if seq > 0 && le16(buf[XE_LABEL_OFFSET+4:]) != seq {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// dates: 16 bits, year mod 100 in the top seven, month, then day. Years
// below 87 are 20xx.

func xeDate(t time.Time) int {
	if t.IsZero() {
		return 0
	}
	return (t.Year()%100)<<9 | int(t.Month())<<5 | t.Day()
}

func xeTime(v int) time.Time {
	if v == 0 {
		return time.Time{}
	}
	yy := v >> 9 & 0x7f
	mon := v >> 5 & 0x0f
	day := v & 0x1f
	if mon == 0 || mon > 12 || day == 0 || day > 31 {
		return time.Time{}
	}
	year := 1900 + yy
	if yy < 87 {
		year = 2000 + yy
	}
	return time.Date(year, time.Month(mon), day, 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// VTOC

type XEVTOC struct {
	Data []byte
}

func (d *XEDriver) readVTOC(w *ATRWrapper) (*XEVTOC, error) {
	buf, err := xeReadCluster(w, XE_VTOC_CLUSTER)
	if err != nil {
		return nil, err
	}
	return &XEVTOC{Data: buf}, nil
}

func (v *XEVTOC) Publish(w *ATRWrapper) error {
	return xeWriteCluster(w, XE_VTOC_CLUSTER, v.Data)
}

func (v *XEVTOC) Magic() int        { return be16(v.Data[0:2]) }
func (v *XEVTOC) Total() int        { return le16(v.Data[2:4]) }
func (v *XEVTOC) Free() int         { return le16(v.Data[4:6]) }
func (v *XEVTOC) SetFree(n int)     { putLE16(v.Data[4:6], n) }
func (v *XEVTOC) Sequence() int     { return le16(v.Data[6:8]) }
func (v *XEVTOC) SetSequence(n int) { putLE16(v.Data[6:8], n) }
func (v *XEVTOC) Volume() int       { return le16(v.Data[8:10]) }

// NextSequence hands out the next file id.
func (v *XEVTOC) NextSequence() int {
	n := v.Sequence()
	if n == 0 {
		n = 1
	}
	v.SetSequence(n + 1)
	return n
}

func (v *XEVTOC) IsFree(cluster int) bool {
	if cluster < 1 || cluster > v.Total() {
		return false
	}
	off := XE_BITMAP_OFFSET + cluster/8
	if off >= XE_PAYLOAD {
		return false
	}
	return v.Data[off]&(1<<uint(7-cluster%8)) != 0
}

func (v *XEVTOC) Alloc(cluster int) {
	if !v.IsFree(cluster) {
		return
	}
	v.Data[XE_BITMAP_OFFSET+cluster/8] &^= 1 << uint(7-cluster%8)
	v.SetFree(v.Free() - 1)
}

func (v *XEVTOC) Release(cluster int) {
	if cluster < 1 || cluster > v.Total() || v.IsFree(cluster) {
		return
	}
	v.Data[XE_BITMAP_OFFSET+cluster/8] |= 1 << uint(7-cluster%8)
	v.SetFree(v.Free() + 1)
}

func (v *XEVTOC) NextFree() int {
	for c := XE_ROOT_CLUSTER + 1; c <= v.Total(); c++ {
		if v.IsFree(c) {
			return c
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// directory entries

type XEDirEntry struct {
	Data    []byte // 49 byte working copy
	cluster int    // directory cluster holding the entry
	slot    int
	dirID   int // file id of the owning directory
}

func (e *XEDirEntry) Status() byte     { return e.Data[0] }
func (e *XEDirEntry) SetStatus(b byte) { e.Data[0] = b }

func (e *XEDirEntry) InUse() bool  { return e.Data[0]&XE_ST_INUSE != 0 && e.Data[0]&XE_ST_DELETED == 0 }
func (e *XEDirEntry) IsDir() bool  { return e.Data[0]&XE_ST_DIR != 0 }
func (e *XEDirEntry) Locked() bool { return e.Data[0]&XE_ST_LOCKED != 0 }

func (e *XEDirEntry) Name() string {
	base := strings.TrimRight(string(e.Data[1:9]), " ")
	ext := strings.TrimRight(string(e.Data[9:12]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

func (e *XEDirEntry) SetName(name string) {
	base, ext := splitName83(name)
	copy(e.Data[1:9], []byte(pad(base, 8)))
	copy(e.Data[9:12], []byte(pad(ext, 3)))
}

func (e *XEDirEntry) FullClusters() int     { return le16(e.Data[12:14]) }
func (e *XEDirEntry) SetFullClusters(n int) { putLE16(e.Data[12:14], n) }
func (e *XEDirEntry) LastBytes() int        { return int(e.Data[14]) }
func (e *XEDirEntry) SetLastBytes(n int)    { e.Data[14] = byte(n) }
func (e *XEDirEntry) Sequence() int         { return le16(e.Data[15:17]) }
func (e *XEDirEntry) SetSequence(n int)     { putLE16(e.Data[15:17], n) }
func (e *XEDirEntry) Volume() int           { return le16(e.Data[17:19]) }
func (e *XEDirEntry) SetVolume(n int)       { putLE16(e.Data[17:19], n) }
func (e *XEDirEntry) MapPtr(i int) int      { return le16(e.Data[19+2*i:]) }
func (e *XEDirEntry) SetMapPtr(i, c int)    { putLE16(e.Data[19+2*i:], c) }
func (e *XEDirEntry) CDate() int            { return le16(e.Data[43:45]) }
func (e *XEDirEntry) SetCDate(v int)        { putLE16(e.Data[43:45], v) }
func (e *XEDirEntry) MDate() int            { return le16(e.Data[45:47]) }
func (e *XEDirEntry) SetMDate(v int)        { putLE16(e.Data[45:47], v) }

func (e *XEDirEntry) Size() int {
	n := e.FullClusters() * XE_PAYLOAD
	return n + e.LastBytes()
}

func (e *XEDirEntry) Publish(w *ATRWrapper) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	buf, err := xeReadCluster(w, e.cluster)
	if err != nil {
		return err
	}
	copy(buf[e.slot*XE_ENTRY_SIZE:(e.slot+1)*XE_ENTRY_SIZE], e.Data)
	return xeWriteCluster(w, e.cluster, buf)
}

// xeDirChain collects the cluster chain of one directory.
func xeDirChain(w *ATRWrapper, first int) ([]int, error) {
	var out []int
	visited := make(map[int]bool)
	c := first
	for c != 0 {
		if visited[c] || c < 1 || 2*c > w.Sectors {
			return out, ErrIO
		}
		visited[c] = true
		out = append(out, c)
		buf, err := xeReadCluster(w, c)
		if err != nil {
			return out, err
		}
		c = le16(buf[XE_DIR_NEXT:])
	}
	return out, nil
}

// xeCatalog walks every slot of a directory.
func (d *XEDriver) xeCatalog(w *ATRWrapper, first, dirID int, fn func(e *XEDirEntry) (bool, error)) error {
	chain, err := xeDirChain(w, first)
	if err != nil {
		return err
	}
	for _, c := range chain {
		buf, err := xeReadCluster(w, c)
		if err != nil {
			return err
		}
		for slot := 0; slot < XE_DIR_SLOTS; slot++ {
			e := &XEDirEntry{
				Data:    append([]byte{}, buf[slot*XE_ENTRY_SIZE:(slot+1)*XE_ENTRY_SIZE]...),
				cluster: c,
				slot:    slot,
				dirID:   dirID,
			}
			stop, err := fn(e)
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

func (d *XEDriver) findEntry(w *ATRWrapper, first, dirID int, name string) (*XEDirEntry, error) {
	var found *XEDirEntry
	err := d.xeCatalog(w, first, dirID, func(e *XEDirEntry) (bool, error) {
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

// resolveDir returns the first cluster and file id of the named directory.
func (d *XEDriver) resolveDir(w *ATRWrapper, parts []string) (int, int, error) {
	cur, id := XE_ROOT_CLUSTER, 0
	for _, part := range parts {
		e, err := d.findEntry(w, cur, id, part)
		if err != nil {
			return 0, 0, err
		}
		if !e.IsDir() {
			return 0, 0, ErrNotDir
		}
		cur, id = e.MapPtr(0), e.Sequence()
	}
	return cur, id, nil
}

// takeSlot reuses a dead slot or grows the directory by a cluster.
func (d *XEDriver) takeSlot(w *ATRWrapper, v *XEVTOC, first, dirID int) (*XEDirEntry, error) {
	var slot *XEDirEntry
	err := d.xeCatalog(w, first, dirID, func(e *XEDirEntry) (bool, error) {
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

	chain, err := xeDirChain(w, first)
	if err != nil {
		return nil, err
	}
	nc := v.NextFree()
	if nc == 0 {
		return nil, ErrNoSpace
	}
	v.Alloc(nc)

	buf := make([]byte, XE_CLUSTER_BYTES)
	xeLabel(buf, dirID, v.Volume(), len(chain)+1)
	if err := xeWriteCluster(w, nc, buf); err != nil {
		return nil, err
	}

	last, err := xeReadCluster(w, chain[len(chain)-1])
	if err != nil {
		return nil, err
	}
	putLE16(last[XE_DIR_NEXT:], nc)
	if err := xeWriteCluster(w, chain[len(chain)-1], last); err != nil {
		return nil, err
	}

	return &XEDirEntry{
		Data:    make([]byte, XE_ENTRY_SIZE),
		cluster: nc,
		slot:    0,
		dirID:   dirID,
	}, nil
}

// ---------------------------------------------------------------------------
// file cluster walks

// fileClusters resolves the data clusters of a file through its maps.
func (d *XEDriver) fileClusters(w *ATRWrapper, e *XEDirEntry) ([]int, []int, error) {
	need := e.FullClusters()
	if e.LastBytes() > 0 {
		need++
	}
	var maps, data []int
	for mi := 0; mi < XE_MAP_SLOTS && len(data) < need; mi++ {
		mc := e.MapPtr(mi)
		if mc == 0 {
			return maps, data, ErrIO
		}
		buf, err := xeReadCluster(w, mc)
		if err != nil {
			return maps, data, ErrIO
		}
		if !xeCheckLabel(buf, e.Sequence(), e.Volume(), mi+1) {
			return maps, data, ErrIO
		}
		maps = append(maps, mc)
		for j := 0; j < XE_PTRS_PER_MAP && len(data) < need; j++ {
			dc := le16(buf[2*j:])
			if dc == 0 {
				return maps, data, ErrIO
			}
			data = append(data, dc)
		}
	}
	if len(data) < need {
		return maps, data, ErrIO
	}
	return maps, data, nil
}

// ---------------------------------------------------------------------------
// probe

func (d *XEDriver) Probe(w *ATRWrapper) bool {

	if w.SectorSize != 128 || w.Sectors < 2*XE_ROOT_CLUSTER {
		return false
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return false
	}
	if v.Magic() != XE_MAGIC {
		return false
	}
	total := v.Total()
	if total < XE_ROOT_CLUSTER || total > w.Sectors/2 {
		return false
	}
	if v.Free() > total {
		return false
	}

	// the root directory chain has to walk cleanly
	if _, err := xeDirChain(w, XE_ROOT_CLUSTER); err != nil {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// operations

func (d *XEDriver) GetAttr(w *ATRWrapper, path string) (FileInfo, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		chain, _ := xeDirChain(w, XE_ROOT_CLUSTER)
		return FileInfo{
			Name:  "/",
			IsDir: true,
			Size:  len(chain) * XE_CLUSTER_BYTES,
			Start: xeFirstSector(XE_ROOT_CLUSTER),
		}, nil
	}
	dirFirst, dirID, err := d.resolveDir(w, parts[:len(parts)-1])
	if err != nil {
		return FileInfo{}, err
	}
	e, err := d.findEntry(w, dirFirst, dirID, parts[len(parts)-1])
	if err != nil {
		return FileInfo{}, err
	}
	return xeInfo(w, e), nil
}

func xeInfo(w *ATRWrapper, e *XEDirEntry) FileInfo {
	size := e.Size()
	start := 0
	if e.IsDir() {
		chain, _ := xeDirChain(w, e.MapPtr(0))
		size = len(chain) * XE_CLUSTER_BYTES
		start = xeFirstSector(e.MapPtr(0))
	} else if e.MapPtr(0) != 0 {
		start = xeFirstSector(e.MapPtr(0))
	}
	return FileInfo{
		Name:   e.Name(),
		Size:   size,
		IsDir:  e.IsDir(),
		Locked: e.Locked(),
		MTime:  xeTime(e.MDate()),
		Start:  start,
	}
}

func (d *XEDriver) ReadDir(w *ATRWrapper, path string, fn func(FileInfo) error) error {
	first, dirID, err := d.resolveDir(w, splitPath(path))
	if err != nil {
		return err
	}
	return d.xeCatalog(w, first, dirID, func(e *XEDirEntry) (bool, error) {
		if !e.InUse() {
			return false, nil
		}
		return false, fn(xeInfo(w, e))
	})
}

func (d *XEDriver) ReadFile(w *ATRWrapper, path string) ([]byte, error) {
	dir, name := baseDir(path)
	if name == "" {
		return nil, ErrIsDir
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return nil, err
	}
	e, err := d.findEntry(w, dirFirst, dirID, name)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, ErrIsDir
	}

	size := e.Size()
	if size == 0 {
		return []byte{}, nil
	}
	_, data, err := d.fileClusters(w, e)
	if err != nil {
		log.Errorf("%s: corrupt cluster map reading %s", w.Filename, path)
		return nil, ErrIO
	}

	out := make([]byte, 0, size)
	for i, c := range data {
		buf, err := xeReadCluster(w, c)
		if err != nil {
			return out, ErrIO
		}
		if !xeCheckLabel(buf, e.Sequence(), e.Volume(), i+1) {
			log.Errorf("%s: label mismatch in %s at cluster %d", w.Filename, path, c)
			return out, ErrIO
		}
		n := XE_PAYLOAD
		if n > size-len(out) {
			n = size - len(out)
		}
		out = append(out, buf[:n]...)
	}
	return out, nil
}

func (d *XEDriver) WriteFile(w *ATRWrapper, path string, data []byte) error {
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

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}

	e, err := d.findEntry(w, dirFirst, dirID, name)
	fresh := false
	if err == nil {
		if e.IsDir() {
			return ErrIsDir
		}
		if e.Locked() {
			return ErrReadOnly
		}
		maps, old, cerr := d.fileClusters(w, e)
		if cerr != nil && e.Size() > 0 {
			log.Warnf("%s: rewriting %s over a corrupt map", w.Filename, path)
		}
		for _, c := range old {
			v.Release(c)
		}
		for _, c := range maps {
			v.Release(c)
		}
	} else if err == ErrNotFound {
		e, err = d.takeSlot(w, v, dirFirst, dirID)
		if err != nil {
			return err
		}
		fresh = true
	} else {
		return err
	}

	nclusters := (len(data) + XE_PAYLOAD - 1) / XE_PAYLOAD
	nmaps := (nclusters + XE_PTRS_PER_MAP - 1) / XE_PTRS_PER_MAP
	if nmaps > XE_MAP_SLOTS {
		return ErrNoSpace
	}
	if nclusters+nmaps > v.Free() {
		return ErrNoSpace
	}

	seq := e.Sequence()
	if fresh || seq == 0 {
		seq = v.NextSequence()
	}

	var clusters []int
	for i := 0; i < nclusters; i++ {
		c := v.NextFree()
		if c == 0 {
			return ErrNoSpace
		}
		v.Alloc(c)
		clusters = append(clusters, c)

		buf := make([]byte, XE_CLUSTER_BYTES)
		copy(buf[:XE_PAYLOAD], data[i*XE_PAYLOAD:])
		xeLabel(buf, seq, v.Volume(), i+1)
		if err := xeWriteCluster(w, c, buf); err != nil {
			return err
		}
	}

	var maps []int
	for mi := 0; mi < nmaps; mi++ {
		c := v.NextFree()
		if c == 0 {
			return ErrNoSpace
		}
		v.Alloc(c)
		maps = append(maps, c)

		buf := make([]byte, XE_CLUSTER_BYTES)
		for j := 0; j < XE_PTRS_PER_MAP; j++ {
			idx := mi*XE_PTRS_PER_MAP + j
			if idx < len(clusters) {
				putLE16(buf[2*j:], clusters[idx])
			}
		}
		xeLabel(buf, seq, v.Volume(), mi+1)
		if err := xeWriteCluster(w, c, buf); err != nil {
			return err
		}
	}

	if err := v.Publish(w); err != nil {
		return err
	}

	if fresh {
		for i := range e.Data {
			e.Data[i] = 0
		}
		e.SetCDate(xeDate(time.Now()))
	}
	e.SetStatus(XE_ST_INUSE | (e.Status() & XE_ST_LOCKED))
	e.SetName(name)
	if nclusters > 0 {
		e.SetFullClusters(nclusters - 1)
		e.SetLastBytes(len(data) - (nclusters-1)*XE_PAYLOAD)
	} else {
		e.SetFullClusters(0)
		e.SetLastBytes(0)
	}
	e.SetSequence(seq)
	e.SetVolume(v.Volume())
	for i := 0; i < XE_MAP_SLOTS; i++ {
		if i < len(maps) {
			e.SetMapPtr(i, maps[i])
		} else {
			e.SetMapPtr(i, 0)
		}
	}
	e.SetMDate(xeDate(time.Now()))
	return e.Publish(w)
}

func (d *XEDriver) Create(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirFirst, dirID, name); err == nil {
		return ErrExists
	}

	e, err := d.takeSlot(w, v, dirFirst, dirID)
	if err != nil {
		return err
	}

	for i := range e.Data {
		e.Data[i] = 0
	}
	e.SetStatus(XE_ST_INUSE)
	e.SetName(name)
	e.SetSequence(v.NextSequence())
	e.SetVolume(v.Volume())
	e.SetCDate(xeDate(time.Now()))
	e.SetMDate(xeDate(time.Now()))
	if err := v.Publish(w); err != nil {
		return err
	}
	return e.Publish(w)
}

func (d *XEDriver) Truncate(w *ATRWrapper, path string, size int) error {
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

func (d *XEDriver) Unlink(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrIsDir
	}
	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirFirst, dirID, name)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return ErrIsDir
	}
	if e.Locked() {
		return ErrReadOnly
	}

	maps, data, cerr := d.fileClusters(w, e)
	if cerr != nil && e.Size() > 0 {
		log.Warnf("%s: freeing partial cluster map for %s", w.Filename, path)
	}
	for _, c := range data {
		v.Release(c)
	}
	for _, c := range maps {
		v.Release(c)
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	e.SetStatus(XE_ST_DELETED)
	return e.Publish(w)
}

func (d *XEDriver) Rename(w *ATRWrapper, oldpath, newpath string, flags int) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	olddir, oldname := baseDir(oldpath)
	newdir, newname := baseDir(newpath)
	if oldname == "" || newname == "" || !validName83(newname) {
		return ErrInvalidArg
	}

	srcFirst, srcID, err := d.resolveDir(w, olddir)
	if err != nil {
		return err
	}
	dstFirst, dstID, err := d.resolveDir(w, newdir)
	if err != nil {
		return err
	}

	src, err := d.findEntry(w, srcFirst, srcID, oldname)
	if err != nil {
		return err
	}
	dst, derr := d.findEntry(w, dstFirst, dstID, newname)

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
		if dst.IsDir() {
			return ErrIsDir
		}
		if err := d.Unlink(w, newpath); err != nil {
			return err
		}
	}

	if srcFirst == dstFirst {
		src.SetName(newname)
		return src.Publish(w)
	}

	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	slot, err := d.takeSlot(w, v, dstFirst, dstID)
	if err != nil {
		return err
	}
	if err := v.Publish(w); err != nil {
		return err
	}
	copy(slot.Data, src.Data)
	slot.SetName(newname)
	if err := slot.Publish(w); err != nil {
		return err
	}
	src.SetStatus(XE_ST_DELETED)
	return src.Publish(w)
}

func (d *XEDriver) Mkdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" || !validName83(name) {
		return ErrInvalidArg
	}
	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	if _, err := d.findEntry(w, dirFirst, dirID, name); err == nil {
		return ErrExists
	}

	seq := v.NextSequence()
	nc := v.NextFree()
	if nc == 0 {
		return ErrNoSpace
	}
	v.Alloc(nc)

	buf := make([]byte, XE_CLUSTER_BYTES)
	xeLabel(buf, seq, v.Volume(), 1)
	if err := xeWriteCluster(w, nc, buf); err != nil {
		return err
	}

	e, err := d.takeSlot(w, v, dirFirst, dirID)
	if err != nil {
		return err
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	for i := range e.Data {
		e.Data[i] = 0
	}
	e.SetStatus(XE_ST_INUSE | XE_ST_DIR)
	e.SetName(name)
	e.SetSequence(seq)
	e.SetVolume(v.Volume())
	e.SetMapPtr(0, nc)
	e.SetCDate(xeDate(time.Now()))
	e.SetMDate(xeDate(time.Now()))
	return e.Publish(w)
}

func (d *XEDriver) Rmdir(w *ATRWrapper, path string) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrBusy
	}
	v, err := d.readVTOC(w)
	if err != nil {
		return err
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirFirst, dirID, name)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return ErrNotDir
	}

	empty := true
	d.xeCatalog(w, e.MapPtr(0), e.Sequence(), func(sub *XEDirEntry) (bool, error) {
		if sub.InUse() {
			empty = false
			return true, nil
		}
		return false, nil
	})
	if !empty {
		return ErrNotEmpty
	}

	chain, _ := xeDirChain(w, e.MapPtr(0))
	for _, c := range chain {
		v.Release(c)
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	e.SetStatus(XE_ST_DELETED)
	return e.Publish(w)
}

func (d *XEDriver) SetLocked(w *ATRWrapper, path string, locked bool) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirFirst, dirID, name)
	if err != nil {
		return err
	}
	if locked {
		e.SetStatus(e.Status() | XE_ST_LOCKED)
	} else {
		e.SetStatus(e.Status() &^ XE_ST_LOCKED)
	}
	return e.Publish(w)
}

func (d *XEDriver) Utime(w *ATRWrapper, path string, mtime time.Time) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	dir, name := baseDir(path)
	if name == "" {
		return ErrInvalidArg
	}
	dirFirst, dirID, err := d.resolveDir(w, dir)
	if err != nil {
		return err
	}
	e, err := d.findEntry(w, dirFirst, dirID, name)
	if err != nil {
		return err
	}
	e.SetMDate(xeDate(mtime))
	return e.Publish(w)
}

func (d *XEDriver) StatFS(w *ATRWrapper) (StatFS, error) {
	v, err := d.readVTOC(w)
	if err != nil {
		return StatFS{}, err
	}
	return StatFS{
		SectorSize:   w.SectorSize,
		TotalSectors: v.Total() * 2,
		FreeSectors:  v.Free() * 2,
		NameLen:      12,
	}, nil
}

func (d *XEDriver) FSInfo(w *ATRWrapper) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Atari DOS XE filesystem\n")
	fmt.Fprintf(&sb, "Geometry:          %s\n", w.Geometry())

	v, err := d.readVTOC(w)
	if err != nil {
		sb.WriteString("VTOC unreadable\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "Volume number:     $%04X\n", v.Volume())
	fmt.Fprintf(&sb, "Total clusters:    %d\n", v.Total())
	fmt.Fprintf(&sb, "Free clusters:     %d\n", v.Free())
	fmt.Fprintf(&sb, "Cluster size:      %d bytes (%d payload)\n", XE_CLUSTER_BYTES, XE_PAYLOAD)
	fmt.Fprintf(&sb, "File sequence:     %d\n", v.Sequence())
	fmt.Fprintf(&sb, "Root dir cluster:  %d\n", XE_ROOT_CLUSTER)
	return sb.String()
}

// ---------------------------------------------------------------------------
// newfs

func (d *XEDriver) NewFS(w *ATRWrapper, opt NewFSOptions) error {
	if w.ReadOnly {
		return ErrReadOnly
	}
	if w.SectorSize != 128 || w.Sectors < 2*XE_ROOT_CLUSTER+2 {
		return ErrInvalidArg
	}
	total := xeClusterCount(w.Sectors)

	volume := int(time.Now().UnixNano()>>8)&0xfffe + 1

	// boot sector: loader header plus the reverse byte order geometry
	// fields the XE boot code expects
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
	putBE16(s[8:10], w.Sectors)
	putBE16(s[10:12], xeFirstSector(XE_VTOC_CLUSTER))
	putBE16(s[12:14], xeFirstSector(XE_ROOT_CLUSTER))
	w.ZeroSector(2)
	w.ZeroSector(3)

	v := &XEVTOC{Data: make([]byte, XE_CLUSTER_BYTES)}
	putBE16(v.Data[0:2], XE_MAGIC)
	putLE16(v.Data[2:4], total)
	putLE16(v.Data[6:8], 1)
	putLE16(v.Data[8:10], volume)
	xeLabel(v.Data, 0, volume, 1)

	free := 0
	for c := 1; c <= total; c++ {
		off := XE_BITMAP_OFFSET + c/8
		if off < XE_PAYLOAD {
			v.Data[off] |= 1 << uint(7-c%8)
			free++
		}
	}
	v.SetFree(free)
	for c := 1; c <= XE_ROOT_CLUSTER; c++ {
		v.Alloc(c)
	}

	root := make([]byte, XE_CLUSTER_BYTES)
	xeLabel(root, 0, volume, 1)
	if err := xeWriteCluster(w, XE_ROOT_CLUSTER, root); err != nil {
		return err
	}
	if err := v.Publish(w); err != nil {
		return err
	}

	w.Format = DRIVER_DOSXE
	log.Infof("%s: initialised DOS XE filesystem, volume $%04X, %d free clusters", w.Filename, volume, v.Free())
	return nil
}
