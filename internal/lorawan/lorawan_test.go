package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataUplink(t *testing.T) {
	// Unconfirmed data up, DevAddr 0x26011234 little endian.
	phy := []byte{0x40, 0x34, 0x12, 0x01, 0x26, 0x00, 0x01, 0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xdd}
	f, err := Parse(phy)
	require.NoError(t, err)
	assert.Equal(t, UnconfirmedDataUp, f.MType)
	assert.Equal(t, uint32(0x26011234), f.DevAddr)
	assert.True(t, f.MType.IsUplink())
}

func TestParseJoinRequest(t *testing.T) {
	phy := make([]byte, 23)
	copy(phy[1:9], []byte{8, 7, 6, 5, 4, 3, 2, 1})
	f, err := Parse(phy)
	require.NoError(t, err)
	assert.Equal(t, JoinRequest, f.MType)
	assert.Equal(t, uint64(0x0102030405060708), f.JoinEUI)

	_, err = Parse(phy[:20])
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
	_, err = Parse([]byte{0x41})
	assert.Error(t, err, "major version")
	_, err = Parse([]byte{0x40, 1, 2})
	assert.Error(t, err, "short data frame")
}

func TestDevAddrPrefix(t *testing.T) {
	p, err := ParseDevAddrPrefix("26000000/7")
	require.NoError(t, err)
	assert.True(t, p.Match(0x26011234))
	assert.True(t, p.Match(0x27ffffff))
	assert.False(t, p.Match(0x28000000))

	all, err := ParseDevAddrPrefix("00000000/0")
	require.NoError(t, err)
	assert.True(t, all.Match(0xdeadbeef))

	for _, bad := range []string{"26000000", "2600/8", "26000000/33", "zz000000/8"} {
		_, err := ParseDevAddrPrefix(bad)
		assert.Error(t, err, bad)
	}
}

func TestEUI64Prefix(t *testing.T) {
	p, err := ParseEUI64Prefix("0102030400000000/32")
	require.NoError(t, err)
	assert.True(t, p.Match(0x0102030405060708))
	assert.False(t, p.Match(0x0102030505060708))

	_, err = ParseEUI64Prefix("0102030400000000/65")
	assert.Error(t, err)
}
