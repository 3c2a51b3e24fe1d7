package vfs

import (
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/paleotronic/atrm8/disk"
)

// The special files overlay: synthetic entries consulted before the
// format driver sees a path. .bootinfo and .fsinfo are listed in each
// filesystem root; the .sector<N> family and the per-file .info
// siblings resolve without ever being listed. The nodotfiles option
// suppresses the whole overlay.

const SPECIAL_NAME_FSINFO = ".fsinfo"
const SPECIAL_NAME_BOOTINFO = ".bootinfo"
const SPECIAL_PREFIX_SECTOR = ".sector"
const SPECIAL_PREFIX_RAW = ".raw"
const SPECIAL_SUFFIX_INFO = ".info"

// sectorNumber parses a .sector<N> name.
func sectorNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, SPECIAL_PREFIX_SECTOR) {
		return 0, false
	}
	digits := name[len(SPECIAL_PREFIX_SECTOR):]
	if digits == "" {
		return 0, false
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > disk.MAX_SECTORS {
			return 0, false
		}
	}
	return n, true
}

// parseRaw parses .raw and .raw<n> names. Plain .raw reports chunk 0.
func parseRaw(name string) (int, bool, bool) {
	if !strings.HasPrefix(name, SPECIAL_PREFIX_RAW) {
		return 0, false, false
	}
	digits := name[len(SPECIAL_PREFIX_RAW):]
	if digits == "" {
		return 0, true, true
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false, false
		}
		n = n*10 + int(c-'0')
		if n > 0xffff {
			return 0, false, false
		}
	}
	return n, false, true
}

func isInfoName(name string) bool {
	return len(name) > len(SPECIAL_SUFFIX_INFO) && strings.HasSuffix(name, SPECIAL_SUFFIX_INFO)
}

// isSpecialName reports whether a root level name belongs to the
// overlay in this mount's context.
func (g *Gateway) isSpecialName(m *mount, name string) bool {
	if g.opts.NoDotFiles {
		return false
	}
	switch name {
	case SPECIAL_NAME_FSINFO, SPECIAL_NAME_BOOTINFO:
		return true
	}
	if _, ok := sectorNumber(name); ok {
		return true
	}
	if m != nil && m.part != nil {
		if _, _, ok := parseRaw(name); ok {
			return true
		}
	}
	return false
}

// specialWrapper is the container a special name addresses: the host
// image at the partitioned root, the mount's own image otherwise.
func (g *Gateway) specialWrapper(m *mount) *disk.ATRWrapper {
	if m == nil {
		return g.wrapper
	}
	return m.wrapper
}

// specialContent generates the bytes behind a special name. handled is
// true when the overlay owns the name, even if resolution fails.
func (g *Gateway) specialContent(m *mount, name string) ([]byte, bool, error) {

	if g.opts.NoDotFiles {
		return nil, false, nil
	}

	switch name {
	case SPECIAL_NAME_FSINFO:
		if m == nil {
			return []byte(g.table.FSInfo()), true, nil
		}
		if m.driver == nil {
			return nil, true, disk.ErrNotFound
		}
		return []byte(m.driver.FSInfo(m.wrapper)), true, nil

	case SPECIAL_NAME_BOOTINFO:
		w := g.specialWrapper(m)
		if w == nil {
			return nil, true, disk.ErrNotFound
		}
		return []byte(w.BootInfo()), true, nil
	}

	if n, ok := sectorNumber(name); ok {
		w := g.specialWrapper(m)
		if w == nil {
			return nil, true, disk.ErrNotFound
		}
		s, err := w.ReadSector(n)
		if err != nil {
			return nil, true, disk.ErrNotFound
		}
		return s, true, nil
	}

	if m != nil && m.part != nil {
		if n, plain, ok := parseRaw(name); ok {
			p := m.part
			if plain != (p.Type != disk.APT_TYPE_DRAWER) {
				return nil, true, disk.ErrNotFound
			}
			var raw []byte
			var err error
			if plain {
				raw, err = p.Raw()
			} else {
				raw, err = p.ChunkSlice(n)
			}
			if err != nil {
				return nil, true, disk.ErrNotFound
			}
			out := make([]byte, len(raw))
			copy(out, raw)
			return out, true, nil
		}
	}

	return nil, false, nil
}

// specialAttr resolves a special name to its attributes. Sizes are
// computed from the live content so reads always cover them.
func (g *Gateway) specialAttr(m *mount, name string) (Attr, bool, error) {

	if g.opts.NoDotFiles {
		return Attr{}, false, nil
	}

	idx := func(n int) uint64 {
		if m == nil {
			return INODE_SPECIAL | uint64(n)
		}
		return m.specialInode(n)
	}

	if n, ok := sectorNumber(name); ok {
		w := g.specialWrapper(m)
		if w == nil {
			return Attr{}, true, disk.ErrNotFound
		}
		size := w.SectorLen(n)
		if size == 0 {
			return Attr{}, true, disk.ErrNotFound
		}
		return Attr{Name: name, Size: size, Inode: idx(SPECIAL_SECTOR + n)}, true, nil
	}

	if m != nil && m.part != nil {
		if n, _, ok := parseRaw(name); ok {
			content, handled, err := g.specialContent(m, name)
			if !handled || err != nil {
				return Attr{}, true, disk.ErrNotFound
			}
			return Attr{Name: name, Size: len(content), Inode: idx(SPECIAL_RAW + n)}, true, nil
		}
	}

	var ino uint64
	switch name {
	case SPECIAL_NAME_FSINFO:
		ino = idx(SPECIAL_FSINFO)
	case SPECIAL_NAME_BOOTINFO:
		ino = idx(SPECIAL_BOOTINFO)
	default:
		return Attr{}, false, nil
	}

	content, handled, err := g.specialContent(m, name)
	if !handled || err != nil {
		return Attr{}, true, disk.ErrNotFound
	}
	return Attr{Name: name, Size: len(content), Inode: ino}, true, nil
}

// specialWrite handles writes into the overlay. Only whole-sector
// writes to .sector<N> are allowed; every other special is read-only.
func (g *Gateway) specialWrite(m *mount, name string, data []byte, off int) (int, bool, error) {

	if g.opts.NoDotFiles {
		return 0, false, nil
	}

	if n, ok := sectorNumber(name); ok {
		w := g.specialWrapper(m)
		if w == nil {
			return 0, true, disk.ErrNotFound
		}
		size := w.SectorLen(n)
		if size == 0 {
			return 0, true, disk.ErrNotFound
		}
		if w.ReadOnly {
			return 0, true, disk.ErrReadOnly
		}
		if off != 0 || len(data) != size {
			log.Debugf("%s: sector %d write must be exactly %d bytes at offset 0", w.Filename, n, size)
			return 0, true, disk.ErrInvalidArg
		}
		if err := w.WriteSector(n, data); err != nil {
			return 0, true, err
		}
		return len(data), true, nil
	}

	if g.isSpecialName(m, name) {
		return 0, true, disk.ErrReadOnly
	}
	return 0, false, nil
}

// listSpecials emits the overlay entries of a mount root.
func (g *Gateway) listSpecials(m *mount, fn func(Attr) error) error {

	if g.opts.NoDotFiles {
		return nil
	}

	for _, name := range []string{SPECIAL_NAME_BOOTINFO, SPECIAL_NAME_FSINFO} {
		if a, handled, err := g.specialAttr(m, name); handled && err == nil {
			if err := fn(a); err != nil {
				return err
			}
		}
	}

	if m.part != nil {
		p := m.part
		if p.Type == disk.APT_TYPE_DRAWER {
			for n := 0; n < p.Chunks(); n++ {
				name := SPECIAL_PREFIX_RAW + strconv.Itoa(n)
				if a, handled, err := g.specialAttr(m, name); handled && err == nil {
					if err := fn(a); err != nil {
						return err
					}
				}
			}
		} else {
			if a, handled, err := g.specialAttr(m, SPECIAL_PREFIX_RAW); handled && err == nil {
				if err := fn(a); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// infoAttr resolves a <name>.info sibling. The base must be a real
// file; the report size comes from rendering it.
func (g *Gateway) infoAttr(m *mount, rel []string) (Attr, bool, error) {

	content, name, handled, err := g.infoResolve(m, rel)
	if !handled {
		return Attr{}, false, nil
	}
	if err != nil {
		return Attr{}, true, err
	}

	base := append(append([]string(nil), rel[:len(rel)-1]...), name)
	p := g.caseIn(joinPath(base))
	fi, _ := m.driver.GetAttr(m.wrapper, p)

	a := Attr{
		Name:  g.caseOut(rel[len(rel)-1]),
		Size:  len(content),
		MTime: fi.MTime,
		Inode: m.entryInode(fi, p) | INODE_INFO_BIT,
	}
	return a, true, nil
}

func (g *Gateway) infoContent(m *mount, rel []string) ([]byte, bool, error) {
	content, _, handled, err := g.infoResolve(m, rel)
	return content, handled, err
}

// infoResolve renders the analyzer report for the base file of a .info
// path. Returns the base name alongside the report.
func (g *Gateway) infoResolve(m *mount, rel []string) ([]byte, string, bool, error) {

	if g.opts.NoDotFiles || len(rel) == 0 || !isInfoName(rel[len(rel)-1]) {
		return nil, "", false, nil
	}
	if m.driver == nil {
		return nil, "", true, disk.ErrNotFound
	}

	name := strings.TrimSuffix(rel[len(rel)-1], SPECIAL_SUFFIX_INFO)
	base := append(append([]string(nil), rel[:len(rel)-1]...), name)
	p := g.caseIn(joinPath(base))

	fi, err := m.driver.GetAttr(m.wrapper, p)
	if err != nil {
		return nil, "", true, disk.ErrNotFound
	}
	if fi.IsDir {
		return nil, "", true, disk.ErrNotFound
	}

	data, err := m.driver.ReadFile(m.wrapper, p)
	if err != nil {
		return nil, "", true, err
	}
	return []byte(disk.Analyze(fi.Name, data)), name, true, nil
}

// logShadow notes a special name hiding a real directory entry.
func (g *Gateway) logShadow(m *mount, name string) {
	if m == nil || m.driver == nil {
		return
	}
	if _, err := m.driver.GetAttr(m.wrapper, g.caseIn(joinPath([]string{name}))); err == nil {
		log.Debugf("%s: overlay shadows a real entry named %s", m.wrapper.Filename, name)
	}
}
