package disk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// tokenised SAVE image with no variables and the statement table
// immediately after the header
func basicProgram(stmts []byte) []byte {
	data := make([]byte, BASIC_HEADER_LEN+len(stmts))
	putLE16(data[2:], BASIC_VNT_BASE)
	putLE16(data[4:], BASIC_VNT_BASE)
	putLE16(data[6:], BASIC_VNT_BASE)
	putLE16(data[8:], BASIC_VNT_BASE)
	putLE16(data[10:], BASIC_VNT_BASE+len(stmts))
	putLE16(data[12:], BASIC_VNT_BASE+len(stmts))
	copy(data[BASIC_HEADER_LEN:], stmts)
	return data
}

// same but with a variable name table in front of the statements
func basicProgramVars(vnt, stmts []byte) []byte {
	data := make([]byte, BASIC_HEADER_LEN+len(vnt)+len(stmts))
	putLE16(data[2:], BASIC_VNT_BASE)
	putLE16(data[4:], BASIC_VNT_BASE+len(vnt))
	putLE16(data[6:], BASIC_VNT_BASE+len(vnt))
	putLE16(data[8:], BASIC_VNT_BASE+len(vnt))
	putLE16(data[10:], BASIC_VNT_BASE+len(vnt)+len(stmts))
	putLE16(data[12:], BASIC_VNT_BASE+len(vnt)+len(stmts))
	copy(data[BASIC_HEADER_LEN:], vnt)
	copy(data[BASIC_HEADER_LEN+len(vnt):], stmts)
	return data
}

func basicTwoLiner() []byte {
	return basicProgram([]byte{
		// 10 PRINT "HI"
		0x0a, 0x00, 10, 10, 0x20, 0x0f, 0x02, 'H', 'I', 0x16,
		// 20 END
		0x14, 0x00, 6, 6, 0x15, 0x16,
	})
}

func TestIsBasic(t *testing.T) {
	require.True(t, IsBasic(basicTwoLiner()))
	require.False(t, IsBasic([]byte("hello")))
	require.False(t, IsBasic(nil))

	// a binary load file must not classify as a program
	require.False(t, IsBasic([]byte{0xff, 0xff, 0x00, 0x06, 0x01, 0x06, 1, 2}))

	// pointers running backwards are rejected
	bad := basicTwoLiner()
	putLE16(bad[4:], BASIC_VNT_BASE-1)
	require.False(t, IsBasic(bad))
}

func TestListBasic(t *testing.T) {
	listing, err := ListBasic(basicTwoLiner())
	require.Nil(t, err)
	require.Equal(t, "10 PRINT \"HI\"\n20 END \n", listing)

	_, err = ListBasic([]byte("not a program"))
	require.ErrorIs(t, err, ErrInvalidArg)
}

func TestListBasicVariables(t *testing.T) {
	// X, the array A( and the string N$
	vnt := []byte{'X' | 0x80, 'A', '(' | 0x80, 'N', '$' | 0x80}

	// 30 X=5, implicit LET
	stmts := []byte{
		0x1e, 0x00, 15, 15, 0x36,
		0x80, 0x2d, 0x0e, 0x40, 0x05, 0x00, 0x00, 0x00, 0x00, 0x16,
	}
	data := basicProgramVars(vnt, stmts)

	h, ok := parseBasicHeader(data)
	require.True(t, ok)
	require.Equal(t, []string{"X", "A", "N$"}, basicVarNames(h, data))

	listing, err := ListBasic(data)
	require.Nil(t, err)
	require.Equal(t, "30 X=5\n", listing)
}

func TestListBasicRem(t *testing.T) {
	listing, err := ListBasic(basicProgram([]byte{
		0x28, 0x00, 11, 11, 0x00, 'H', 'E', 'L', 'L', 'O', 0x9b,
	}))
	require.Nil(t, err)
	require.Equal(t, "40 REM HELLO\n", listing)
}

func TestBasicNumber(t *testing.T) {
	require.Equal(t, "0", basicNumber([]byte{0, 0, 0, 0, 0, 0}))
	require.Equal(t, "5", basicNumber([]byte{0x40, 0x05, 0, 0, 0, 0}))
	require.Equal(t, "-5", basicNumber([]byte{0xc0, 0x05, 0, 0, 0, 0}))
	require.Equal(t, "0.5", basicNumber([]byte{0x3f, 0x50, 0, 0, 0, 0}))
	require.Equal(t, "100", basicNumber([]byte{0x41, 0x01, 0, 0, 0, 0}))
	require.Equal(t, "123456", basicNumber([]byte{0x42, 0x12, 0x34, 0x56, 0, 0}))
}
