package disk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// 0xFFFF magic, a six byte segment at $0600 and the run vector
func binaryLoadFile() []byte {
	return []byte{
		0xff, 0xff,
		0x00, 0x06, 0x05, 0x06, 1, 2, 3, 4, 5, 6,
		0xe0, 0x02, 0xe1, 0x02, 0x00, 0x06,
	}
}

func TestParseBinary(t *testing.T) {
	segs, trailing := ParseBinary(binaryLoadFile())
	require.Equal(t, 0, trailing)
	require.Equal(t, []BinSegment{
		{Start: 0x600, End: 0x605, Offset: 6},
		{Start: 0x2e0, End: 0x2e1, Offset: 16},
	}, segs)
	require.Equal(t, 6, segs[0].Len())
	require.Equal(t, 2, segs[1].Len())
}

func TestParseBinaryRepeatedMagic(t *testing.T) {
	segs, trailing := ParseBinary([]byte{
		0xff, 0xff, 0xff, 0xff,
		0x00, 0x06, 0x01, 0x06, 0xaa, 0xbb,
	})
	require.Equal(t, 0, trailing)
	require.Equal(t, []BinSegment{{Start: 0x600, End: 0x601, Offset: 8}}, segs)
}

func TestParseBinaryTrailing(t *testing.T) {
	data := append(binaryLoadFile(), 0xde, 0xad)
	segs, trailing := ParseBinary(data)
	require.Len(t, segs, 2)
	require.Equal(t, 2, trailing)

	// a start past its end stops the walk
	segs, trailing = ParseBinary([]byte{0xff, 0xff, 0x05, 0x06, 0x00, 0x06})
	require.Len(t, segs, 0)
	require.Equal(t, 4, trailing)
}

func TestIsBinaryLoad(t *testing.T) {
	require.True(t, IsBinaryLoad(binaryLoadFile()))
	require.False(t, IsBinaryLoad([]byte{0xff, 0xff, 0x00, 0x06}))
	require.False(t, IsBinaryLoad([]byte("just some text")))
}

func TestAnalyzeBinary(t *testing.T) {
	report := Analyze("GAME.XEX", binaryLoadFile())
	require.Equal(t,
		"GAME.XEX: binary load file, 18 bytes\n"+
			"Segment 1: $0600-$0605 (6 bytes)\n"+
			"Segment 2: $02E0-$02E1 (2 bytes)\n"+
			"Run address:  $0600\n",
		report)
}

func TestAnalyzeBinaryVectors(t *testing.T) {
	// the run vector loaded twice, last write wins
	report := Analyze("X", []byte{
		0xff, 0xff,
		0xe0, 0x02, 0xe1, 0x02, 0x00, 0x06,
		0xe0, 0x02, 0xe1, 0x02, 0x00, 0x07,
	})
	require.Contains(t, report, "Run address:  $0700")

	report = Analyze("X", []byte{
		0xff, 0xff,
		0xe2, 0x02, 0xe3, 0x02, 0x00, 0x07,
	})
	require.Contains(t, report, "Init address: $0700")

	report = Analyze("X", append(binaryLoadFile(), 0xde, 0xad))
	require.Contains(t, report, "Garbage following at offset 18 (2 bytes)")
}

func TestAnalyzeBasic(t *testing.T) {
	report := Analyze("MENU.BAS", basicTwoLiner())
	require.Equal(t,
		"MENU.BAS: basic-save, 30 bytes\n"+
			"Variables: 0\n"+
			"Lines: 2\n\n"+
			"10 PRINT \"HI\"\n"+
			"20 END \n",
		report)
}

func TestAnalyzeBasicLongListing(t *testing.T) {
	var stmts []byte
	for i := 1; i <= 30; i++ {
		line := []byte{0, 0, 6, 6, 0x00, 0x9b}
		putLE16(line, i*10)
		stmts = append(stmts, line...)
	}
	report := Analyze("LONG.BAS", basicProgram(stmts))
	require.Contains(t, report, "Lines: 30")
	require.Contains(t, report, "10 REM \n")
	require.Contains(t, report, "... 6 more lines")
}

func TestAnalyzeUnknown(t *testing.T) {
	report := Analyze("DATA.BIN", []byte("hello"))
	require.Equal(t,
		"DATA.BIN: unknown, 5 bytes\n"+
			"SHA256: 2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824\n"+
			"Head: 68 65 6C 6C 6F\n",
		report)

	report = Analyze("EMPTY", nil)
	require.Equal(t,
		"EMPTY: unknown, 0 bytes\n"+
			"SHA256: e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855\n",
		report)
}
