package vfs

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/paleotronic/atrm8/disk"
)

// Virtual inode layout. Real entries use their first on-image sector,
// with the partition index above it; synthetic files live in a high
// range of their own and .info siblings mirror their base inode with
// the info bit set.
const INODE_ROOT = 1
const INODE_INFO_BIT = uint64(1) << 31
const INODE_PART_SHIFT = 24
const INODE_SPECIAL = uint64(1) << 32
const INODE_FALLBACK = 1 << 22

const SPECIAL_FSINFO = 1
const SPECIAL_BOOTINFO = 2
const SPECIAL_MAPPING = 64
const SPECIAL_SECTOR = 16
const SPECIAL_RAW = 1 << 23

// Attr is the gateway level entry record.
type Attr struct {
	Name   string
	Size   int
	IsDir  bool
	IsLink bool
	Locked bool
	MTime  time.Time
	Inode  uint64
}

// mount is one mounted filesystem: the whole image, or one partition.
// Drawers and unmountable partitions carry a nil driver and serve only
// their raw content.
type mount struct {
	wrapper *disk.ATRWrapper
	driver  disk.AtariDriver
	part    *disk.Partition
	index   int
}

// Gateway routes filesystem operations onto an image. One mutex
// serializes everything: drivers share the mapped bytes and hold no
// locks of their own.
type Gateway struct {
	mu      sync.Mutex
	opts    Options
	wrapper *disk.ATRWrapper
	table   *disk.PartitionTable
	root    *mount
	mounts  map[string]*mount
}

// New opens or creates the image named by the options and probes its
// filesystem, or its partition table and every partition.
func New(opts Options) (*Gateway, error) {

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{opts: opts}

	var w *disk.ATRWrapper
	var err error
	if opts.Create {
		w, err = disk.CreateATR(opts.Filename, opts.SecSize, opts.Sectors)
		if err != nil {
			return nil, err
		}
		id, _ := disk.DriverIDByName(opts.FSType)
		d := disk.DriverFor(id)
		if err := d.NewFS(w, disk.NewFSOptions{VolName: opts.VolName, Cluster: opts.Cluster}); err != nil {
			w.Close()
			return nil, err
		}
		log.Infof("%s: created %s filesystem (%s)", opts.Filename, d.Name(), w.Geometry())
	} else {
		w, err = disk.NewATRWrapper(opts.Filename, opts.ReadOnly)
		if err != nil {
			return nil, err
		}
	}
	g.wrapper = w

	if disk.HasPartitionTable(w) {
		t, err := disk.NewPartitionTable(w)
		if err != nil {
			w.Close()
			return nil, err
		}
		g.table = t
		g.mounts = make(map[string]*mount)
		for _, p := range t.Partitions {
			m := &mount{part: p, index: p.Index}
			if p.Wrapper != nil {
				m.wrapper = p.Wrapper
				m.driver = disk.Identify(p.Wrapper)
			}
			g.mounts[p.Label] = m
		}
		return g, nil
	}

	g.root = &mount{wrapper: w, driver: disk.Identify(w)}
	return g, nil
}

func splitPath(path string) []string {
	parts := []string{}
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func joinPath(parts []string) string {
	return "/" + strings.Join(parts, "/")
}

func (g *Gateway) caseIn(s string) string {
	if g.opts.Upcase {
		return strings.ToUpper(s)
	}
	return s
}

func (g *Gateway) caseOut(s string) string {
	if g.opts.Lowcase {
		return strings.ToLower(s)
	}
	return s
}

// driveNumber recognizes the D1..D15 mapping names.
func driveNumber(name string) (int, bool) {
	if len(name) < 2 || len(name) > 3 || (name[0] != 'D' && name[0] != 'd') {
		return 0, false
	}
	n := 0
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n < 1 || n > disk.APT_DRIVE_MAPPINGS {
		return 0, false
	}
	return n, true
}

// route resolves a path to its mount and the mount relative segments.
// A nil mount with ok=true addresses the partitioned image's own root
// level (the root directory, a D<n> link, or a host special).
func (g *Gateway) route(parts []string) (*mount, []string, bool) {

	if g.table == nil {
		return g.root, parts, true
	}
	if len(parts) == 0 {
		return nil, nil, true
	}

	first := g.caseIn(parts[0])
	if m, ok := g.mounts[first]; ok {
		return m, parts[1:], true
	}
	if n, ok := driveNumber(first); ok {
		if label, mapped := g.table.MappingTarget(n); mapped {
			if len(parts) == 1 {
				return nil, parts, true
			}
			if m, ok := g.mounts[label]; ok {
				return m, parts[1:], true
			}
		}
	}
	if len(parts) == 1 {
		// may still be a host level special
		return nil, parts, true
	}
	return nil, nil, false
}

func (m *mount) rootInode() uint64 {
	return uint64(m.index)<<INODE_PART_SHIFT | INODE_ROOT
}

// entryInode derives the virtual inode of a real entry from its first
// on-image sector. Entries without storage (empty files) fall back to a
// path hash above the sector range.
func (m *mount) entryInode(fi disk.FileInfo, path string) uint64 {
	s := uint64(fi.Start)
	if fi.Start <= 0 {
		h := fnv.New32a()
		h.Write([]byte(path))
		s = uint64(INODE_FALLBACK | h.Sum32()&(INODE_FALLBACK-1))
	}
	return uint64(m.index)<<INODE_PART_SHIFT | s
}

func (m *mount) specialInode(n int) uint64 {
	return INODE_SPECIAL | uint64(m.index)<<INODE_PART_SHIFT | uint64(n)
}

// commit runs the copyback for buffer backed partitions after a
// mutating operation. The original error wins over a copyback error.
func (g *Gateway) commit(m *mount, err error) error {
	if m != nil && m.part != nil {
		if cbErr := m.part.Copyback(); cbErr != nil {
			log.Errorf("%s: copyback failed: %v", m.part.Label, cbErr)
			if err == nil {
				err = cbErr
			}
		}
	}
	return err
}

func (g *Gateway) attrFromInfo(m *mount, fi disk.FileInfo, path string) Attr {
	return Attr{
		Name:   g.caseOut(fi.Name),
		Size:   fi.Size,
		IsDir:  fi.IsDir,
		Locked: fi.Locked,
		MTime:  fi.MTime,
		Inode:  m.entryInode(fi, path),
	}
}

func (g *Gateway) mappingAttr(n int, label string) Attr {
	return Attr{
		Name:   g.caseOut(fmt.Sprintf("D%d", n)),
		Size:   len(label),
		IsLink: true,
		Inode:  INODE_SPECIAL | uint64(SPECIAL_MAPPING+n),
	}
}

// GetAttr resolves a path to its attributes.
func (g *Gateway) GetAttr(path string) (Attr, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getattr(splitPath(path))
}

func (g *Gateway) getattr(parts []string) (Attr, error) {

	m, rel, ok := g.route(parts)
	if !ok {
		return Attr{}, disk.ErrNotFound
	}

	if m == nil {
		if len(parts) == 0 {
			return Attr{Name: "/", IsDir: true, Inode: INODE_ROOT}, nil
		}
		first := g.caseIn(parts[0])
		if n, ok := driveNumber(first); ok {
			if label, mapped := g.table.MappingTarget(n); mapped {
				return g.mappingAttr(n, label), nil
			}
		}
		if a, handled, err := g.specialAttr(nil, parts[0]); handled {
			return a, err
		}
		return Attr{}, disk.ErrNotFound
	}

	if len(rel) == 0 {
		a := Attr{Name: g.caseOut(g.mountName(m)), IsDir: true, Inode: m.rootInode()}
		return a, nil
	}

	if len(rel) == 1 {
		if a, handled, err := g.specialAttr(m, rel[0]); handled {
			g.logShadow(m, rel[0])
			return a, err
		}
	}
	if a, handled, err := g.infoAttr(m, rel); handled {
		return a, err
	}

	if m.driver == nil {
		return Attr{}, disk.ErrNotFound
	}
	p := g.caseIn(joinPath(rel))
	fi, err := m.driver.GetAttr(m.wrapper, p)
	if err != nil {
		return Attr{}, err
	}
	return g.attrFromInfo(m, fi, p), nil
}

func (g *Gateway) mountName(m *mount) string {
	if m.part != nil {
		return m.part.Label
	}
	return "/"
}

// VirtualInode resolves a path to its stable inode number.
func (g *Gateway) VirtualInode(path string) (uint64, error) {
	a, err := g.GetAttr(path)
	if err != nil {
		return 0, err
	}
	return a.Inode, nil
}

// ReadDir enumerates a directory. Synthetic entries come first in the
// roots that carry them; the .sector and .info families resolve without
// being listed.
func (g *Gateway) ReadDir(path string, fn func(Attr) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parts := splitPath(path)
	m, rel, ok := g.route(parts)
	if !ok {
		return disk.ErrNotFound
	}

	if m == nil {
		if len(parts) != 0 {
			return disk.ErrNotDir
		}
		return g.readRootDir(fn)
	}

	if len(rel) == 0 {
		if err := g.listSpecials(m, fn); err != nil {
			return err
		}
		if m.driver == nil {
			return nil
		}
	} else if m.driver == nil {
		return disk.ErrNotFound
	}

	p := g.caseIn(joinPath(rel))
	return m.driver.ReadDir(m.wrapper, p, func(fi disk.FileInfo) error {
		child := p
		if !strings.HasSuffix(child, "/") {
			child += "/"
		}
		return fn(g.attrFromInfo(m, fi, child+fi.Name))
	})
}

// readRootDir lists the root of a partitioned image: partitions, drive
// mappings and the host specials.
func (g *Gateway) readRootDir(fn func(Attr) error) error {

	if !g.opts.NoDotFiles {
		for _, name := range []string{SPECIAL_NAME_FSINFO, SPECIAL_NAME_BOOTINFO} {
			if a, handled, err := g.specialAttr(nil, name); handled && err == nil {
				if err := fn(a); err != nil {
					return err
				}
			}
		}
	}

	for _, p := range g.table.Partitions {
		a := Attr{
			Name:  g.caseOut(p.Label),
			IsDir: true,
			Inode: uint64(p.Index)<<INODE_PART_SHIFT | INODE_ROOT,
		}
		if err := fn(a); err != nil {
			return err
		}
	}

	for n := 1; n <= disk.APT_DRIVE_MAPPINGS; n++ {
		if label, ok := g.table.MappingTarget(n); ok {
			if err := fn(g.mappingAttr(n, label)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Readlink resolves a D<n> drive mapping to its partition label.
func (g *Gateway) Readlink(path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	parts := splitPath(path)
	if g.table == nil || len(parts) != 1 {
		return "", disk.ErrInvalidArg
	}
	n, ok := driveNumber(g.caseIn(parts[0]))
	if !ok {
		return "", disk.ErrInvalidArg
	}
	label, ok := g.table.MappingTarget(n)
	if !ok {
		return "", disk.ErrNotFound
	}
	return g.caseOut(label), nil
}

// ReadAll returns a file's whole content.
func (g *Gateway) ReadAll(path string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readAll(splitPath(path))
}

func (g *Gateway) readAll(parts []string) ([]byte, error) {

	m, rel, ok := g.route(parts)
	if !ok {
		return nil, disk.ErrNotFound
	}

	if m == nil {
		if len(parts) == 0 {
			return nil, disk.ErrIsDir
		}
		if data, handled, err := g.specialContent(nil, parts[0]); handled {
			return data, err
		}
		return nil, disk.ErrNotFound
	}

	if len(rel) == 0 {
		return nil, disk.ErrIsDir
	}
	if len(rel) == 1 {
		if data, handled, err := g.specialContent(m, rel[0]); handled {
			return data, err
		}
	}
	if data, handled, err := g.infoContent(m, rel); handled {
		return data, err
	}

	if m.driver == nil {
		return nil, disk.ErrNotFound
	}
	return m.driver.ReadFile(m.wrapper, g.caseIn(joinPath(rel)))
}

// Read returns up to size bytes from offset. Reading at or past the end
// reports EndOfFile, which maps to a zero byte result at the bridge.
func (g *Gateway) Read(path string, size, off int) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if size < 0 || off < 0 {
		return nil, disk.ErrInvalidArg
	}

	data, err := g.readAll(splitPath(path))
	if err != nil {
		return nil, err
	}
	if off >= len(data) {
		if off == 0 {
			return []byte{}, nil
		}
		return nil, disk.ErrEndOfFile
	}
	if off+size > len(data) {
		size = len(data) - off
	}
	out := make([]byte, size)
	copy(out, data[off:])
	return out, nil
}

// Write stores bytes at an offset, read-modify-write over the driver's
// whole-content replace. Writing past the current end zero fills the
// gap.
func (g *Gateway) Write(path string, data []byte, off int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if off < 0 {
		return 0, disk.ErrInvalidArg
	}

	parts := splitPath(path)
	m, rel, ok := g.route(parts)
	if !ok {
		return 0, disk.ErrNotFound
	}

	if m == nil {
		if len(parts) == 1 {
			if n, handled, err := g.specialWrite(nil, parts[0], data, off); handled {
				return n, err
			}
		}
		return 0, disk.ErrReadOnly
	}

	if len(rel) == 0 {
		return 0, disk.ErrIsDir
	}
	if len(rel) == 1 {
		if n, handled, err := g.specialWrite(m, rel[0], data, off); handled {
			return n, g.commit(m, err)
		}
	}
	if isInfoName(rel[len(rel)-1]) && !g.opts.NoDotFiles {
		return 0, disk.ErrReadOnly
	}

	if m.driver == nil {
		return 0, disk.ErrNotFound
	}

	p := g.caseIn(joinPath(rel))
	old, err := m.driver.ReadFile(m.wrapper, p)
	if err != nil {
		return 0, err
	}

	end := off + len(data)
	var buf []byte
	if end > len(old) {
		buf = make([]byte, end)
	} else {
		buf = make([]byte, len(old))
	}
	copy(buf, old)
	copy(buf[off:], data)

	if err := m.driver.WriteFile(m.wrapper, p, buf); err != nil {
		return 0, g.commit(m, err)
	}
	return len(data), g.commit(m, nil)
}

// WriteAll replaces the whole content of a file, creating it first when
// it does not exist yet.
func (g *Gateway) WriteAll(path string, data []byte) error {
	return g.mutate(path, func(m *mount, rel string) error {
		if err := m.driver.Create(m.wrapper, rel); err != nil && err != disk.ErrExists {
			return err
		}
		return m.driver.WriteFile(m.wrapper, rel, data)
	})
}

// mutate runs a driver operation on a resolved path followed by the
// partition copyback.
func (g *Gateway) mutate(path string, op func(m *mount, rel string) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parts := splitPath(path)
	m, rel, ok := g.route(parts)
	if !ok {
		return disk.ErrNotFound
	}
	if m == nil {
		return disk.ErrReadOnly
	}
	if len(rel) == 0 {
		return disk.ErrIsDir
	}
	if len(rel) == 1 && g.isSpecialName(m, rel[0]) {
		return disk.ErrReadOnly
	}
	if isInfoName(rel[len(rel)-1]) && !g.opts.NoDotFiles {
		return disk.ErrReadOnly
	}
	if m.driver == nil {
		return disk.ErrNotFound
	}
	return g.commit(m, op(m, g.caseIn(joinPath(rel))))
}

func (g *Gateway) Create(path string) error {
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Create(m.wrapper, rel)
	})
}

func (g *Gateway) Truncate(path string, size int) error {
	if size < 0 {
		return disk.ErrInvalidArg
	}
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Truncate(m.wrapper, rel, size)
	})
}

func (g *Gateway) Mkdir(path string) error {
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Mkdir(m.wrapper, rel)
	})
}

func (g *Gateway) Rmdir(path string) error {
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Rmdir(m.wrapper, rel)
	})
}

func (g *Gateway) Unlink(path string) error {
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Unlink(m.wrapper, rel)
	})
}

// Rename moves an entry. Both names must live on the same partition.
func (g *Gateway) Rename(oldpath, newpath string, flags int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	om, orel, ook := g.route(splitPath(oldpath))
	nm, nrel, nok := g.route(splitPath(newpath))
	if !ook || !nok {
		return disk.ErrNotFound
	}
	if om == nil || nm == nil {
		return disk.ErrReadOnly
	}
	if om != nm {
		return disk.ErrCrossDevice
	}
	if len(orel) == 0 || len(nrel) == 0 {
		return disk.ErrIsDir
	}
	if len(orel) == 1 && g.isSpecialName(om, orel[0]) {
		return disk.ErrReadOnly
	}
	if len(nrel) == 1 && g.isSpecialName(nm, nrel[0]) {
		return disk.ErrReadOnly
	}
	if om.driver == nil {
		return disk.ErrNotFound
	}
	err := om.driver.Rename(om.wrapper, g.caseIn(joinPath(orel)), g.caseIn(joinPath(nrel)), flags)
	return g.commit(om, err)
}

// Chmod toggles the lock flag when the owner write bit changes, the
// only mode bit the formats can store.
func (g *Gateway) Chmod(path string, mode uint32) error {
	return g.mutate(path, func(m *mount, rel string) error {
		fi, err := m.driver.GetAttr(m.wrapper, rel)
		if err != nil {
			return err
		}
		locked := mode&0200 == 0
		if locked == fi.Locked {
			return nil
		}
		return m.driver.SetLocked(m.wrapper, rel, locked)
	})
}

func (g *Gateway) Utime(path string, mtime time.Time) error {
	return g.mutate(path, func(m *mount, rel string) error {
		return m.driver.Utime(m.wrapper, rel, mtime)
	})
}

// StatFS reports the filesystem the path lives on. The root of a
// partitioned image reports host geometry with no entry accounting.
func (g *Gateway) StatFS(path string) (disk.StatFS, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, _, ok := g.route(splitPath(path))
	if !ok {
		return disk.StatFS{}, disk.ErrNotFound
	}
	if m == nil || m.driver == nil {
		return disk.StatFS{
			SectorSize:   g.wrapper.SectorSize,
			TotalSectors: g.wrapper.Sectors,
		}, nil
	}
	return m.driver.StatFS(m.wrapper)
}

// FSInfo renders the image report: the partition table for partitioned
// images, the driver report otherwise.
func (g *Gateway) FSInfo() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.table != nil {
		return g.table.FSInfo()
	}
	return g.root.driver.FSInfo(g.root.wrapper)
}

// Info is the full mount report the CLI info command prints.
func (g *Gateway) Info() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Image:    %s\n", g.wrapper.Filename)
	fmt.Fprintf(&sb, "Geometry: %s\n", g.wrapper.Geometry())
	if g.table != nil {
		fmt.Fprintf(&sb, "Format:   partitioned (APT)\n\n")
		sb.WriteString(g.table.FSInfo())
	} else {
		fmt.Fprintf(&sb, "Format:   %s\n", g.root.driver.Name())
		fmt.Fprintf(&sb, "Checksum: %s\n\n", g.wrapper.Checksum())
		sb.WriteString(g.root.driver.FSInfo(g.root.wrapper))
	}
	return sb.String()
}

// Sync flushes buffered partitions and the mapped image.
func (g *Gateway) Sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sync()
}

func (g *Gateway) sync() error {
	var first error
	if g.table != nil {
		for _, p := range g.table.Partitions {
			if err := p.Copyback(); err != nil && first == nil {
				first = err
			}
		}
	}
	if err := g.wrapper.Sync(); err != nil && first == nil {
		first = err
	}
	return first
}

// Close flushes and releases the image.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	err := g.sync()
	if cerr := g.wrapper.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Filename reports the backing image path.
func (g *Gateway) Filename() string {
	return g.opts.Filename
}

// ReadOnly reports whether mutations can ever succeed on this mount.
func (g *Gateway) ReadOnly() bool {
	return g.wrapper.ReadOnly
}

// Partitioned reports whether the image carries a partition table.
func (g *Gateway) Partitioned() bool {
	return g.table != nil
}

// DriverName names the active format, or "partitioned".
func (g *Gateway) DriverName() string {
	if g.table != nil {
		return "partitioned"
	}
	return g.root.driver.Name()
}
