package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// File content analysis behind the .info overlay and the shell's
// analyze command. Atari binaries and SAVEd BASIC programs get a
// structured report, anything else a checksum summary.

const BIN_MAGIC = 0xffff
const BASIC_LIST_HEAD = 24

// BinSegment is one load segment of a binary load file.
type BinSegment struct {
	Start  int
	End    int
	Offset int
}

func (s BinSegment) Len() int {
	return s.End - s.Start + 1
}

// ParseBinary walks a binary load file: the 0xFFFF magic, then
// start/end address pairs each followed by the segment payload. The
// magic may repeat before any header. Returns the parsed segments and
// the count of trailing bytes that did not form a valid segment.
func ParseBinary(data []byte) ([]BinSegment, int) {
	if len(data) < 2 || le16(data) != BIN_MAGIC {
		return nil, len(data)
	}
	var segs []BinSegment
	i := 2
	for {
		for i+2 <= len(data) && le16(data[i:]) == BIN_MAGIC {
			i += 2
		}
		if i >= len(data) {
			return segs, 0
		}
		if i+4 > len(data) {
			return segs, len(data) - i
		}
		start := le16(data[i:])
		end := le16(data[i+2:])
		if start > end {
			return segs, len(data) - i
		}
		n := end - start + 1
		if i+4+n > len(data) {
			return segs, len(data) - i
		}
		segs = append(segs, BinSegment{Start: start, End: end, Offset: i + 4})
		i += 4 + n
	}
}

// IsBinaryLoad reports whether the bytes carry the binary load magic.
func IsBinaryLoad(data []byte) bool {
	return len(data) >= 6 && le16(data) == BIN_MAGIC
}

// binVector pulls a 16 bit vector out of whichever segment covers addr.
// Later segments win, matching load order.
func binVector(data []byte, segs []BinSegment, addr int) (int, bool) {
	v, ok := 0, false
	for _, s := range segs {
		if addr >= s.Start && addr+1 <= s.End {
			off := s.Offset + (addr - s.Start)
			v, ok = le16(data[off:]), true
		}
	}
	return v, ok
}

// Analyze classifies file content and renders a report.
func Analyze(name string, data []byte) string {
	var sb strings.Builder
	switch {
	case IsBinaryLoad(data):
		analyzeBinary(&sb, name, data)
	case IsBasic(data):
		analyzeBasic(&sb, name, data)
	default:
		analyzeUnknown(&sb, name, data)
	}
	return sb.String()
}

func analyzeBinary(sb *strings.Builder, name string, data []byte) {
	segs, trailing := ParseBinary(data)
	fmt.Fprintf(sb, "%s: binary load file, %d bytes\n", name, len(data))
	for i, s := range segs {
		fmt.Fprintf(sb, "Segment %d: $%04X-$%04X (%d bytes)\n", i+1, s.Start, s.End, s.Len())
	}
	if run, ok := binVector(data, segs, 0x2e0); ok {
		fmt.Fprintf(sb, "Run address:  $%04X\n", run)
	}
	if init, ok := binVector(data, segs, 0x2e2); ok {
		fmt.Fprintf(sb, "Init address: $%04X\n", init)
	}
	if trailing > 0 {
		fmt.Fprintf(sb, "Garbage following at offset %d (%d bytes)\n", len(data)-trailing, trailing)
	}
}

func analyzeBasic(sb *strings.Builder, name string, data []byte) {
	fmt.Fprintf(sb, "%s: basic-save, %d bytes\n", name, len(data))
	h, _ := parseBasicHeader(data)
	fmt.Fprintf(sb, "Variables: %d\n", len(basicVarNames(h, data)))

	listing, err := ListBasic(data)
	if err != nil {
		return
	}
	var lines []string
	if listing != "" {
		lines = strings.Split(strings.TrimRight(listing, "\n"), "\n")
	}
	fmt.Fprintf(sb, "Lines: %d\n\n", len(lines))

	head := lines
	if len(head) > BASIC_LIST_HEAD {
		head = head[:BASIC_LIST_HEAD]
	}
	for _, l := range head {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	if len(lines) > BASIC_LIST_HEAD {
		fmt.Fprintf(sb, "... %d more lines\n", len(lines)-BASIC_LIST_HEAD)
	}
}

func analyzeUnknown(sb *strings.Builder, name string, data []byte) {
	fmt.Fprintf(sb, "%s: unknown, %d bytes\n", name, len(data))
	sum := sha256.Sum256(data)
	fmt.Fprintf(sb, "SHA256: %s\n", hex.EncodeToString(sum[:]))
	head := data
	if len(head) > 32 {
		head = head[:32]
	}
	if len(head) > 0 {
		fmt.Fprintf(sb, "Head: % X\n", head)
	}
}
