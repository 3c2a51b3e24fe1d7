package disk

import (
	"bytes"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Atari Partition Table support. A partitioned image is a 512-byte
// sector disk whose MBR carries a type 0x7F descriptor pointing at the
// APT chain. Each regular partition becomes a sub-image the format
// drivers mount like a whole disk; drawers stay raw.

const MBR_SIG_OFFSET = 510
const MBR_PART_OFFSET = 446
const MBR_TYPE_APT = 0x7f

const APT_SLOT_SIZE = 16
const APT_SLOTS = 32
const APT_DRIVE_MAPPINGS = 15
const APT_CHAIN_MAX = 64

const APT_TYPE_REGULAR = 0x00
const APT_TYPE_DELETED = 0x01
const APT_TYPE_DRAWER = 0x02

const APT_DETAIL_PROTECT = 0x80
const APT_DETAIL_RESERVED = 0x7f

const DRAWER_CHUNK_UNIT = 256

// aptHeader is the self locating header record of one table sector.
//
//	0..2   "APT"
//	3      revision
//	4      slot index of this record
//	5      flags
//	6      entry count
//	8..11  next table sector (LBA, 0 ends the chain)
//	12..15 previous table sector
type aptHeader struct {
	Revision int
	Slot     int
	Flags    int
	Count    int
	Next     int
	Prev     int
}

// aptEntry is one 16 byte partition record.
//
//	0      type
//	1      access flags
//	2..4   start LBA
//	5..7   sector count
//	8      detail
//	9..15  label, space padded ASCII
type aptEntry struct {
	Type   int
	Flags  int
	Start  int
	Count  int
	Detail int
	Label  string
}

func parseAPTHeader(slot []byte) aptHeader {
	return aptHeader{
		Revision: int(slot[3]),
		Slot:     int(slot[4]),
		Flags:    int(slot[5]),
		Count:    int(slot[6]),
		Next:     le32(slot[8:]),
		Prev:     le32(slot[12:]),
	}
}

func parseAPTEntry(slot []byte) aptEntry {
	return aptEntry{
		Type:   int(slot[0]),
		Flags:  int(slot[1]),
		Start:  le24(slot[2:]),
		Count:  le24(slot[5:]),
		Detail: int(slot[8]),
		Label:  strings.TrimRight(string(slot[9:16]), " \x00"),
	}
}

func findAPTHeader(sec []byte) int {
	for i := 0; i < APT_SLOTS; i++ {
		s := sec[i*APT_SLOT_SIZE : (i+1)*APT_SLOT_SIZE]
		if s[0] == 'A' && s[1] == 'P' && s[2] == 'T' && int(s[4]) == i {
			return i
		}
	}
	return -1
}

// aptBase locates the APT chain behind the MBR. Returns the LBA of the
// first table sector.
func aptBase(w *ATRWrapper) (int, bool) {
	if w.SectorSize != 512 || w.Sectors < 2 {
		return 0, false
	}
	mbr, err := w.SectorSlice(1)
	if err != nil || len(mbr) < 512 {
		return 0, false
	}
	if mbr[MBR_SIG_OFFSET] != 0x55 || mbr[MBR_SIG_OFFSET+1] != 0xaa {
		return 0, false
	}
	for i := 0; i < 4; i++ {
		d := mbr[MBR_PART_OFFSET+i*16 : MBR_PART_OFFSET+(i+1)*16]
		if d[4] != MBR_TYPE_APT {
			continue
		}
		lba := le32(d[8:])
		if lba < 1 || lba >= w.Sectors {
			continue
		}
		sec, err := w.SectorSlice(lba + 1)
		if err != nil || len(sec) < 512 {
			continue
		}
		if h := findAPTHeader(sec); h >= 0 {
			hdr := parseAPTHeader(sec[h*APT_SLOT_SIZE:])
			if hdr.Count >= 1 && hdr.Count <= APT_SLOTS {
				return lba, true
			}
		}
	}
	return 0, false
}

// HasPartitionTable reports whether the image carries an MBR plus APT.
func HasPartitionTable(w *ATRWrapper) bool {
	_, ok := aptBase(w)
	return ok
}

// Partition is one APT entry bound to its byte range on the host image.
// Non-linear sector packings ride on a working buffer with a reference
// snapshot for the copyback diff.
type Partition struct {
	Index      int
	Type       int
	Flags      int
	Start      int // host 512 byte LBA
	Count      int // host sectors
	Detail     int
	Label      string
	SecSize    int
	SPP        int // logical sectors per host sector
	Interleave bool
	Linear     bool
	ReadOnly   bool

	Wrapper *ATRWrapper // nil for drawers and unmountable geometries

	host      *ATRWrapper
	working   []byte
	reference []byte
}

// hostRange returns the live host bytes of a physical sector run.
func hostRange(w *ATRWrapper, start, count int) ([]byte, error) {
	if start < 0 || count <= 0 || start+count > w.Sectors {
		return nil, ErrOutOfRange
	}
	off, _, err := w.sectorOffset(start + 1)
	if err != nil {
		return nil, err
	}
	end, size, err := w.sectorOffset(start + count)
	if err != nil {
		return nil, err
	}
	return w.Data[off : end+size], nil
}

// logicalOffset maps byte i of logical sector l into the partition's
// host byte range.
func (p *Partition) logicalOffset(l, i int) int {
	h := l / p.SPP
	if p.SPP == 1 && p.SecSize < 512 {
		return l*512 + i
	}
	if p.Interleave {
		return h*512 + p.SPP*i + l%p.SPP
	}
	return h*512 + (l%p.SPP)*(512/p.SPP) + i
}

func (p *Partition) logicalSectors() int {
	return p.Count * p.SPP
}

func (p *Partition) unpack(host []byte) []byte {
	out := make([]byte, p.logicalSectors()*p.SecSize)
	for l := 0; l < p.logicalSectors(); l++ {
		for i := 0; i < p.SecSize; i++ {
			out[l*p.SecSize+i] = host[p.logicalOffset(l, i)]
		}
	}
	return out
}

func (p *Partition) repackInto(buf []byte) {
	for l := 0; l < p.logicalSectors(); l++ {
		for i := 0; i < p.SecSize; i++ {
			buf[p.logicalOffset(l, i)] = p.working[l*p.SecSize+i]
		}
	}
}

// Copyback repacks the working buffer and rewrites every host sector
// whose content changed since the last reference snapshot. Idempotent.
func (p *Partition) Copyback() error {
	if p.Linear || p.working == nil || p.ReadOnly {
		return nil
	}
	host, err := hostRange(p.host, p.Start, p.Count)
	if err != nil {
		return err
	}
	tmp := append([]byte(nil), p.reference...)
	p.repackInto(tmp)
	dirty := 0
	for h := 0; (h+1)*512 <= len(tmp); h++ {
		if !bytes.Equal(tmp[h*512:(h+1)*512], p.reference[h*512:(h+1)*512]) {
			copy(host[h*512:(h+1)*512], tmp[h*512:(h+1)*512])
			dirty++
		}
	}
	copy(p.reference, tmp)
	if dirty > 0 {
		log.Debugf("%s: copyback rewrote %d sectors", p.Label, dirty)
	}
	return nil
}

// Raw returns the partition's logical byte stream, the content behind
// the .raw special file.
func (p *Partition) Raw() ([]byte, error) {
	if p.working != nil {
		return p.working, nil
	}
	return hostRange(p.host, p.Start, p.Count)
}

// Chunks reports the sub-disk count of a drawer partition.
func (p *Partition) Chunks() int {
	if p.Type != APT_TYPE_DRAWER || p.Detail == 0 {
		return 0
	}
	per := p.Detail * DRAWER_CHUNK_UNIT
	return (p.Count + per - 1) / per
}

// ChunkSlice returns the host bytes of one drawer chunk.
func (p *Partition) ChunkSlice(n int) ([]byte, error) {
	per := p.Detail * DRAWER_CHUNK_UNIT
	if n < 0 || p.Detail == 0 || n >= p.Chunks() {
		return nil, ErrOutOfRange
	}
	count := per
	if (n+1)*per > p.Count {
		count = p.Count - n*per
	}
	return hostRange(p.host, p.Start+n*per, count)
}

func newPartition(host *ATRWrapper, idx int, e aptEntry) *Partition {

	p := &Partition{
		Index:  idx,
		Type:   e.Type,
		Flags:  e.Flags,
		Start:  e.Start,
		Count:  e.Count,
		Detail: e.Detail,
		Label:  e.Label,
		host:   host,
	}
	if p.Label == "" {
		p.Label = fmt.Sprintf("PART%d", idx)
	}

	if p.Type == APT_TYPE_DRAWER {
		return p
	}

	p.SecSize = 64 << (e.Flags & 0x03)
	p.SPP = 1
	if p.SecSize < 512 {
		if e.Flags&0x04 != 0 {
			p.SPP = 2
		}
		p.Interleave = e.Flags&0x08 == 0
	}
	p.Linear = p.SecSize == 512 || (p.SecSize*p.SPP == 512 && !p.Interleave)
	p.ReadOnly = host.ReadOnly || e.Detail&APT_DETAIL_PROTECT != 0

	reserved := e.Detail & APT_DETAIL_RESERVED
	if p.Type != APT_TYPE_REGULAR {
		reserved = 0
	}
	p.Start += reserved
	p.Count -= reserved
	if p.Count <= 0 {
		log.Warnf("%s: partition %d smaller than its reserved area", host.Filename, idx)
		return p
	}

	host512, err := hostRange(host, p.Start, p.Count)
	if err != nil {
		log.Warnf("%s: partition %d outside the image", host.Filename, idx)
		return p
	}

	var data []byte
	if p.Linear {
		data = host512
	} else {
		// One short sector per host sector reads fine but has no
		// defined write-back packing.
		if p.SPP == 1 {
			p.ReadOnly = true
		}
		data = p.unpack(host512)
		p.working = data
		p.reference = append([]byte(nil), host512...)
	}

	name := fmt.Sprintf("%s:%s", host.Filename, p.Label)
	w, err := NewRawWrapperBin(data, p.SecSize, name)
	if err != nil {
		log.Warnf("%s: partition %d not mountable: %v", host.Filename, idx, err)
		return p
	}
	w.ReadOnly = p.ReadOnly
	p.Wrapper = w

	return p
}

// PartitionTable is the scanned APT with its drive mappings.
type PartitionTable struct {
	Revision   int
	Partitions []*Partition
	Mappings   map[int]string // D number 1..15 to partition label

	host *ATRWrapper
}

// NewPartitionTable scans the APT chain of a partitioned image.
func NewPartitionTable(w *ATRWrapper) (*PartitionTable, error) {

	base, ok := aptBase(w)
	if !ok {
		return nil, ErrBadSignature
	}

	t := &PartitionTable{
		Mappings: make(map[int]string),
		host:     w,
	}

	var mappings []aptEntry
	var entries []aptEntry

	visited := make(map[int]bool)
	lba := base
	first := true
	for lba != 0 && !visited[lba] && len(visited) < APT_CHAIN_MAX {
		visited[lba] = true
		sec, err := w.SectorSlice(lba + 1)
		if err != nil || len(sec) < 512 {
			break
		}
		h := findAPTHeader(sec)
		if h < 0 {
			log.Warnf("%s: partition table sector %d lost its header", w.Filename, lba)
			break
		}
		hdr := parseAPTHeader(sec[h*APT_SLOT_SIZE:])
		if first {
			t.Revision = hdr.Revision
		}

		for i := 0; i < APT_SLOTS; i++ {
			if i == h {
				continue
			}
			e := parseAPTEntry(sec[i*APT_SLOT_SIZE : (i+1)*APT_SLOT_SIZE])
			if first && i >= 1 && i <= APT_DRIVE_MAPPINGS {
				if e.Start != 0 && e.Count != 0 && e.Type != APT_TYPE_DELETED {
					for len(mappings) < i-1 {
						mappings = append(mappings, aptEntry{})
					}
					mappings = append(mappings, e)
				}
				continue
			}
			if e.Start == 0 || e.Count == 0 {
				continue
			}
			if e.Type == APT_TYPE_DELETED || e.Type > APT_TYPE_DRAWER {
				continue
			}
			entries = append(entries, e)
		}

		first = false
		lba = hdr.Next
	}

	labels := make(map[string]bool)
	for _, e := range entries {
		p := newPartition(w, len(t.Partitions)+1, e)
		for labels[p.Label] {
			p.Label = fmt.Sprintf("%s.%d", p.Label, p.Index)
		}
		labels[p.Label] = true
		t.Partitions = append(t.Partitions, p)
	}

	for i, m := range mappings {
		if m.Count == 0 {
			continue
		}
		if p := t.findByRange(m.Start, m.Count); p != nil {
			t.Mappings[i+1] = p.Label
		} else {
			log.Warnf("%s: drive mapping D%d points outside the table", w.Filename, i+1)
		}
	}

	if len(t.Partitions) == 0 {
		return nil, ErrNotFound
	}

	log.Infof("%s: %d partitions, %d drive mappings (APT revision %d)",
		w.Filename, len(t.Partitions), len(t.Mappings), t.Revision)

	return t, nil
}

func (t *PartitionTable) findByRange(start, count int) *Partition {
	for _, p := range t.Partitions {
		if p.Start == start && p.Count == count {
			return p
		}
		// reserved leading sectors shifted the mounted range
		if p.Type == APT_TYPE_REGULAR {
			r := p.Detail & APT_DETAIL_RESERVED
			if p.Start-r == start && p.Count+r == count {
				return p
			}
		}
	}
	return nil
}

// ByLabel resolves a partition by its label.
func (t *PartitionTable) ByLabel(label string) *Partition {
	for _, p := range t.Partitions {
		if p.Label == label {
			return p
		}
	}
	return nil
}

// MappingTarget resolves D1..D15 to a partition label.
func (t *PartitionTable) MappingTarget(n int) (string, bool) {
	l, ok := t.Mappings[n]
	return l, ok
}

func (t *PartitionTable) typeName(p *Partition) string {
	switch p.Type {
	case APT_TYPE_REGULAR:
		return "regular"
	case APT_TYPE_DRAWER:
		return "drawer"
	}
	return fmt.Sprintf("type %02X", p.Type)
}

// FSInfo renders the partition table report shown for /.fsinfo at the
// root of a partitioned image.
func (t *PartitionTable) FSInfo() string {

	var sb strings.Builder

	fmt.Fprintf(&sb, "Partition table: APT revision %d\n", t.Revision)
	fmt.Fprintf(&sb, "Host image:      %s\n\n", t.host.Filename)
	sb.WriteString("  #  Type     Start      Sectors    Secsize  Label\n")
	for _, p := range t.Partitions {
		size := "-"
		if p.SecSize > 0 {
			size = fmt.Sprintf("%d", p.SecSize)
		}
		ro := ""
		if p.ReadOnly {
			ro = " (ro)"
		}
		fmt.Fprintf(&sb, "%3d  %-7s  %-9d  %-9d  %-7s  %s%s\n",
			p.Index, t.typeName(p), p.Start, p.Count, size, p.Label, ro)
	}
	if len(t.Mappings) > 0 {
		sb.WriteString("\nDrive mappings:\n")
		for n := 1; n <= APT_DRIVE_MAPPINGS; n++ {
			if l, ok := t.Mappings[n]; ok {
				fmt.Fprintf(&sb, "  D%d -> %s\n", n, l)
			}
		}
	}

	return sb.String()
}
