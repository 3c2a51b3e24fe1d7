package disk

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestCreateATRBinGeometry(t *testing.T) {

	w, e := CreateATRBin(128, 720)
	if e != nil {
		t.Error(e)
	}

	if len(w.Data) != ATR_HEADER_SIZE+720*128 {
		t.Error(fmt.Sprintf("Wrong size got %d", len(w.Data)))
	}
	if w.Sectors != 720 || w.SectorSize != 128 || w.ShortBoot {
		t.Errorf("bad geometry %d x %d", w.Sectors, w.SectorSize)
	}

	// the header must parse back to the same geometry
	w2, e := NewATRWrapperBin(w.Data, "roundtrip")
	if e != nil {
		t.Error(e)
	}
	if w2.Sectors != 720 || w2.SectorSize != 128 {
		t.Errorf("reparse gave %d x %d", w2.Sectors, w2.SectorSize)
	}
}

func TestShortBootSectors(t *testing.T) {

	w, e := CreateATRBin(256, 720)
	if e != nil {
		t.Error(e)
	}
	if !w.ShortBoot {
		t.Error("256 byte image should carry short boot sectors")
	}
	if len(w.Data) != ATR_HEADER_SIZE+720*256-3*128 {
		t.Errorf("wrong size %d", len(w.Data))
	}

	for sec := 1; sec <= 3; sec++ {
		if w.SectorLen(sec) != 128 {
			t.Errorf("sector %d len %d, want 128", sec, w.SectorLen(sec))
		}
	}
	if w.SectorLen(4) != 256 {
		t.Errorf("sector 4 len %d, want 256", w.SectorLen(4))
	}

	// sector 4 sits directly after the three short sectors
	s, e := w.SectorSlice(4)
	if e != nil {
		t.Error(e)
	}
	s[0] = 0xa5
	if w.Data[ATR_HEADER_SIZE+3*128] != 0xa5 {
		t.Error("sector 4 not at the expected offset")
	}

	if !strings.Contains(w.Geometry(), "3 short boot sectors") {
		t.Errorf("geometry %q", w.Geometry())
	}
}

func TestSectorBounds(t *testing.T) {

	w, _ := CreateATRBin(128, 16)

	if _, e := w.ReadSector(0); e != ErrOutOfRange {
		t.Errorf("sector 0 gave %v", e)
	}
	if _, e := w.ReadSector(17); e != ErrOutOfRange {
		t.Errorf("sector 17 gave %v", e)
	}
	if w.SectorLen(17) != 0 {
		t.Error("out of range sector has a length")
	}

	if e := w.WriteSector(1, make([]byte, 64)); e != ErrInvalidArg {
		t.Errorf("partial write gave %v", e)
	}
	if e := w.WriteSector(1, make([]byte, 128)); e != nil {
		t.Error(e)
	}

	w.ReadOnly = true
	if e := w.WriteSector(1, make([]byte, 128)); e != ErrReadOnly {
		t.Errorf("read-only write gave %v", e)
	}
	if e := w.ZeroSector(1); e != ErrReadOnly {
		t.Errorf("read-only zero gave %v", e)
	}
}

func TestWriteSectorLandsInData(t *testing.T) {

	w, _ := CreateATRBin(128, 16)

	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	if e := w.WriteSector(5, buf); e != nil {
		t.Error(e)
	}

	s, e := w.ReadSector(5)
	if e != nil {
		t.Error(e)
	}
	for i := range s {
		if s[i] != byte(i) {
			t.Fatalf("byte %d is %02x", i, s[i])
		}
	}

	// ReadSector copies; mutating the copy must not touch the image
	s[0] = 0xff
	s2, _ := w.ReadSector(5)
	if s2[0] != 0 {
		t.Error("ReadSector returned live bytes")
	}
}

func TestBadSignature(t *testing.T) {

	w, _ := CreateATRBin(128, 16)
	w.Data[0] = 0x00
	if _, e := NewATRWrapperBin(w.Data, "bad"); e != ErrBadSignature {
		t.Errorf("got %v", e)
	}

	if _, e := NewATRWrapperBin([]byte{0x96}, "tiny"); e != ErrBadSignature {
		t.Errorf("got %v", e)
	}
}

func TestRawWrapper(t *testing.T) {

	data := make([]byte, 64*256)
	w, e := NewRawWrapperBin(data, 256, "raw")
	if e != nil {
		t.Error(e)
	}
	if w.Sectors != 64 || w.HasHeader || w.ShortBoot {
		t.Errorf("bad raw geometry %d", w.Sectors)
	}

	// sector 1 starts at byte 0 without a header
	s, _ := w.SectorSlice(1)
	s[0] = 0x42
	if data[0] != 0x42 {
		t.Error("raw sector 1 not at offset 0")
	}

	if _, e := NewRawWrapperBin(make([]byte, 100), 128, "odd"); e != ErrTruncated {
		t.Errorf("got %v", e)
	}
	if _, e := NewRawWrapperBin(data, 100, "badsec"); e != ErrBadSectorSize {
		t.Errorf("got %v", e)
	}
}

func TestCreateATRBinLimits(t *testing.T) {

	if _, e := CreateATRBin(100, 720); e != ErrBadSectorSize {
		t.Errorf("got %v", e)
	}
	if _, e := CreateATRBin(128, 2); e != ErrInvalidArg {
		t.Errorf("got %v", e)
	}
	if _, e := CreateATRBin(128, MAX_SECTORS+1); e != ErrInvalidArg {
		t.Errorf("got %v", e)
	}
}

func TestDumpString(t *testing.T) {

	s := DumpString([]byte{0x41, 0x42, 0x00}, 0)
	if s != "0000: 41 42 00 AB.\n" {
		t.Errorf("dump gave %q", s)
	}

	// a second line starts at the next 16 byte boundary
	s = DumpString(make([]byte, 17), 0x10)
	if !strings.Contains(s, "0010:") || !strings.Contains(s, "0020:") {
		t.Errorf("dump gave %q", s)
	}

	if DumpString(nil, 0) != "" {
		t.Error("empty dump not empty")
	}
}

func TestChecksum(t *testing.T) {

	w, _ := CreateATRBin(128, 16)
	c := w.Checksum()
	if len(c) != 64 {
		t.Errorf("checksum %q", c)
	}
	w.Data[100] = 1
	if w.Checksum() == c {
		t.Error("checksum ignores content")
	}
}

func TestIdentifyFallsBackToUnknown(t *testing.T) {

	w, _ := CreateATRBin(128, 16)
	d := Identify(w)
	if d.ID() != DRIVER_UNKNOWN {
		t.Errorf("blank image identified as %s", d.Name())
	}
	if w.Format != DRIVER_UNKNOWN {
		t.Error("format not recorded")
	}

	// the unknown driver serves an empty root and nothing else
	fi, e := d.GetAttr(w, "/")
	if e != nil || !fi.IsDir {
		t.Errorf("unknown root gave %v %v", fi, e)
	}
	if _, e := d.ReadFile(w, "/ANY"); e != ErrNotFound {
		t.Errorf("got %v", e)
	}
	if e := d.WriteFile(w, "/ANY", nil); e != ErrReadOnly {
		t.Errorf("got %v", e)
	}
}

func TestBootInfo(t *testing.T) {

	w, _ := CreateATRBin(128, 720)
	s, _ := w.SectorSlice(1)
	s[1] = 3
	putLE16(s[2:4], 0x0700)
	putLE16(s[4:6], 0xe477)

	info := w.BootInfo()
	if !strings.Contains(info, "Boot sectors:   3") {
		t.Errorf("bootinfo %q", info)
	}
	if !strings.Contains(info, "$0700") || !strings.Contains(info, "$E477") {
		t.Errorf("bootinfo %q", info)
	}
}

func TestHeaderRoundTrip(t *testing.T) {

	for _, g := range [][2]int{{128, 720}, {128, 1040}, {256, 720}, {512, 500}} {
		w, e := CreateATRBin(g[0], g[1])
		if e != nil {
			t.Fatal(e)
		}

		p, e := NewATRWrapperBin(w.Data, "parse")
		if e != nil {
			t.Fatal(e)
		}
		if p.SectorSize != g[0] || p.Sectors != g[1] {
			t.Errorf("parsed %d x %d, want %d x %d", p.Sectors, p.SectorSize, g[1], g[0])
		}

		// serializing the parsed geometry must reproduce the header bytes
		h, _, _, e := buildATRHeader(p.SectorSize, p.Sectors)
		if e != nil {
			t.Fatal(e)
		}
		if !bytes.Equal(h, p.Data[:ATR_HEADER_SIZE]) {
			t.Errorf("%d x %d: rebuilt header differs", g[1], g[0])
		}
	}
}
