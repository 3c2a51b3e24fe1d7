package disk

// Little-endian field helpers shared by the drivers. Slices are assumed to be
// long enough; all on-disk records are fixed size so the callers bound them.

func le16(b []byte) int {
	return int(b[0]) | int(b[1])<<8
}

func le24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

func le32(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}

func putLE16(b []byte, v int) {
	b[0] = byte(v & 0xff)
	b[1] = byte((v >> 8) & 0xff)
}

func putLE24(b []byte, v int) {
	b[0] = byte(v & 0xff)
	b[1] = byte((v >> 8) & 0xff)
	b[2] = byte((v >> 16) & 0xff)
}

func putLE32(b []byte, v int) {
	b[0] = byte(v & 0xff)
	b[1] = byte((v >> 8) & 0xff)
	b[2] = byte((v >> 16) & 0xff)
	b[3] = byte((v >> 24) & 0xff)
}

// DOSXE keeps a few boot sector fields in reverse byte order.

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func putBE16(b []byte, v int) {
	b[0] = byte((v >> 8) & 0xff)
	b[1] = byte(v & 0xff)
}
