package disk

import (
	"fmt"
	"strings"
)

// Atari BASIC tokenised program support. A SAVEd program is a 14 byte
// header of seven pointers followed by the variable name table, the
// variable value table and the statement table. Pointers are memory
// addresses relative to LOMEM; the name table always sits at 0x0100, so
// file offset = pointer - vnt + 14.

const BASIC_EOL = 0x9b
const BASIC_HEADER_LEN = 14
const BASIC_VNT_BASE = 0x0100

// statement name tokens
var BasicStatements = map[int]string{
	0x00: "REM",
	0x01: "DATA",
	0x02: "INPUT",
	0x03: "COLOR",
	0x04: "LIST",
	0x05: "ENTER",
	0x06: "LET",
	0x07: "IF",
	0x08: "FOR",
	0x09: "NEXT",
	0x0A: "GOTO",
	0x0B: "GO TO",
	0x0C: "GOSUB",
	0x0D: "TRAP",
	0x0E: "BYE",
	0x0F: "CONT",
	0x10: "COM",
	0x11: "CLOSE",
	0x12: "CLR",
	0x13: "DEG",
	0x14: "DIM",
	0x15: "END",
	0x16: "NEW",
	0x17: "OPEN",
	0x18: "LOAD",
	0x19: "SAVE",
	0x1A: "STATUS",
	0x1B: "NOTE",
	0x1C: "POINT",
	0x1D: "XIO",
	0x1E: "ON",
	0x1F: "POKE",
	0x20: "PRINT",
	0x21: "RAD",
	0x22: "READ",
	0x23: "RESTORE",
	0x24: "RETURN",
	0x25: "RUN",
	0x26: "STOP",
	0x27: "POP",
	0x28: "?",
	0x29: "GET",
	0x2A: "PUT",
	0x2B: "GRAPHICS",
	0x2C: "PLOT",
	0x2D: "POSITION",
	0x2E: "DOS",
	0x2F: "DRAWTO",
	0x30: "SETCOLOR",
	0x31: "LOCATE",
	0x32: "SOUND",
	0x33: "LPRINT",
	0x34: "CSAVE",
	0x35: "CLOAD",
	0x36: "",
	0x37: "ERROR- ",
}

// operator and function tokens used inside expressions
var BasicOperators = map[int]string{
	0x12: ",",
	0x13: "$",
	0x14: ":",
	0x15: ";",
	0x16: "",
	0x17: " GOTO ",
	0x18: " GOSUB ",
	0x19: " TO ",
	0x1A: " STEP ",
	0x1B: " THEN ",
	0x1C: "#",
	0x1D: "<=",
	0x1E: "<>",
	0x1F: ">=",
	0x20: "<",
	0x21: ">",
	0x22: "=",
	0x23: "^",
	0x24: "*",
	0x25: "+",
	0x26: "-",
	0x27: "/",
	0x28: " NOT ",
	0x29: " OR ",
	0x2A: " AND ",
	0x2B: "(",
	0x2C: ")",
	0x2D: "=",
	0x2E: "=",
	0x2F: "<=",
	0x30: "<>",
	0x31: ">=",
	0x32: "<",
	0x33: ">",
	0x34: "=",
	0x35: "+",
	0x36: "-",
	0x37: "(",
	0x38: "(",
	0x39: "(",
	0x3A: "(",
	0x3B: "(",
	0x3C: ",",
	0x3D: "STR$",
	0x3E: "CHR$",
	0x3F: "USR",
	0x40: "ASC",
	0x41: "VAL",
	0x42: "LEN",
	0x43: "ADR",
	0x44: "ATN",
	0x45: "COS",
	0x46: "PEEK",
	0x47: "SIN",
	0x48: "RND",
	0x49: "FRE",
	0x4A: "EXP",
	0x4B: "LOG",
	0x4C: "CLOG",
	0x4D: "SQR",
	0x4E: "SGN",
	0x4F: "ABS",
	0x50: "INT",
	0x51: "PADDLE",
	0x52: "STICK",
	0x53: "PTRIG",
	0x54: "STRIG",
}

type basicHeader struct {
	lomem  int
	vnt    int
	vnte   int
	vvt    int
	stmtab int
	stmcur int
	starp  int
}

func parseBasicHeader(data []byte) (basicHeader, bool) {
	var h basicHeader
	if len(data) < BASIC_HEADER_LEN+1 {
		return h, false
	}
	h.lomem = le16(data[0:])
	h.vnt = le16(data[2:])
	h.vnte = le16(data[4:])
	h.vvt = le16(data[6:])
	h.stmtab = le16(data[8:])
	h.stmcur = le16(data[10:])
	h.starp = le16(data[12:])

	if h.lomem != 0 || h.vnt != BASIC_VNT_BASE {
		return h, false
	}
	if h.vnte < h.vnt || h.vvt < h.vnte || h.stmtab < h.vvt ||
		h.stmcur < h.stmtab || h.starp < h.stmcur {
		return h, false
	}
	if h.fileOff(h.stmtab) >= len(data) {
		return h, false
	}
	return h, true
}

func (h basicHeader) fileOff(ptr int) int {
	return ptr - h.vnt + BASIC_HEADER_LEN
}

// IsBasic reports whether the bytes look like a SAVEd BASIC program.
func IsBasic(data []byte) bool {
	_, ok := parseBasicHeader(data)
	return ok
}

// basicVarNames extracts the variable name table. The last character of
// each name has the high bit set; a trailing ( marks array names and is
// dropped because the open paren token supplies it when listing.
func basicVarNames(h basicHeader, data []byte) []string {
	var names []string
	end := h.fileOff(h.vnte)
	if end > len(data) {
		end = len(data)
	}
	var cur []byte
	for i := BASIC_HEADER_LEN; i < end; i++ {
		c := data[i]
		cur = append(cur, c&0x7f)
		if c&0x80 != 0 {
			name := string(cur)
			name = strings.TrimSuffix(name, "(")
			names = append(names, name)
			cur = nil
		}
	}
	return names
}

// basicNumber renders a 6 byte BCD constant. The first byte holds the
// sign and an excess 64 exponent in powers of 100, the rest ten packed
// decimal digits.
func basicNumber(b []byte) string {
	if len(b) < 6 || b[0] == 0 {
		return "0"
	}
	neg := b[0]&0x80 != 0
	exp := int(b[0]&0x7f) - 64

	digits := make([]byte, 0, 10)
	for _, v := range b[1:6] {
		digits = append(digits, '0'+(v>>4), '0'+(v&0x0f))
	}

	point := 2 + 2*exp
	var s string
	switch {
	case point <= 0:
		s = "0." + strings.Repeat("0", -point) + string(digits)
	case point >= len(digits):
		s = string(digits) + strings.Repeat("0", point-len(digits))
	default:
		s = string(digits[:point]) + "." + string(digits[point:])
	}

	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	s = strings.TrimLeft(s, "0")
	if s == "" || s[0] == '.' {
		s = "0" + s
	}
	if neg {
		s = "-" + s
	}
	return s
}

func writeAtascii(sb *strings.Builder, b []byte) {
	for _, c := range b {
		if c == BASIC_EOL {
			return
		}
		c &= 0x7f
		if c < 0x20 || c == 0x7f {
			c = '.'
		}
		sb.WriteByte(c)
	}
}

// renderExpression walks the token stream of one statement.
func renderExpression(sb *strings.Builder, expr []byte, vars []string) {
	i := 0
	for i < len(expr) {
		t := expr[i]
		switch {
		case t == 0x0e:
			if i+7 > len(expr) {
				return
			}
			sb.WriteString(basicNumber(expr[i+1 : i+7]))
			i += 7
		case t == 0x0f:
			if i+1 >= len(expr) {
				return
			}
			n := int(expr[i+1])
			end := i + 2 + n
			if end > len(expr) {
				end = len(expr)
			}
			sb.WriteByte('"')
			writeAtascii(sb, expr[i+2:end])
			sb.WriteByte('"')
			i = end
		case t >= 0x80:
			vi := int(t) - 0x80
			if vi < len(vars) {
				sb.WriteString(vars[vi])
			} else {
				sb.WriteString("?")
			}
			i++
		default:
			if op, ok := BasicOperators[int(t)]; ok {
				sb.WriteString(op)
			} else {
				sb.WriteString("?")
			}
			i++
		}
	}
}

// ListBasic detokenises a SAVEd program into a statement listing.
func ListBasic(data []byte) (string, error) {
	h, ok := parseBasicHeader(data)
	if !ok {
		return "", ErrInvalidArg
	}
	vars := basicVarNames(h, data)

	off := h.fileOff(h.stmtab)
	end := h.fileOff(h.starp)
	if end > len(data) {
		end = len(data)
	}

	var sb strings.Builder
	for off+3 <= end {
		lineno := le16(data[off:])
		if lineno >= 32768 {
			break
		}
		linelen := int(data[off+2])
		if linelen < 3 || off+linelen > end {
			break
		}
		fmt.Fprintf(&sb, "%d ", lineno)

		pos := 3
		for pos+1 < linelen {
			stmtEnd := int(data[off+pos])
			if stmtEnd <= pos || stmtEnd > linelen {
				break
			}
			tok := data[off+pos+1]
			expr := data[off+pos+2 : off+stmtEnd]

			switch tok {
			case 0x00, 0x01, 0x37:
				sb.WriteString(BasicStatements[int(tok)])
				if tok != 0x37 {
					sb.WriteString(" ")
				}
				writeAtascii(&sb, expr)
				if pos = stmtEnd; pos < linelen {
					sb.WriteString(":")
				}
				continue
			default:
				name, ok := BasicStatements[int(tok)]
				if !ok {
					sb.WriteString("?")
				} else if name != "" {
					sb.WriteString(name)
					sb.WriteString(" ")
				}
			}
			renderExpression(&sb, expr, vars)
			pos = stmtEnd
		}
		sb.WriteString("\n")
		off += linelen
	}
	return sb.String(), nil
}
