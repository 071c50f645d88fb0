package tftpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestRRQWithOptions(t *testing.T) {
	raw := append([]byte{0, byte(opRRQ)}, []byte("grub.cfg\x00octet\x00blksize\x001024\x00tsize\x000\x00")...)
	req, err := parseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, opRRQ, req.op)
	assert.Equal(t, "grub.cfg", req.filename)
	assert.Equal(t, "octet", req.mode)
	assert.Equal(t, "1024", req.options["blksize"])
	assert.Equal(t, "0", req.options["tsize"])
}

func TestParseRequestRejectsShortPacket(t *testing.T) {
	_, err := parseRequest([]byte{0})
	assert.Error(t, err)
}

func TestParseRequestRejectsNonRequestOpcode(t *testing.T) {
	raw := []byte{0, byte(opDATA), 0, 1}
	_, err := parseRequest(raw)
	assert.Error(t, err)
}

func TestParseRequestRejectsMissingMode(t *testing.T) {
	raw := append([]byte{0, byte(opRRQ)}, []byte("onlyname\x00")...)
	_, err := parseRequest(raw)
	assert.Error(t, err)
}

func TestEncodeDecodeDATA(t *testing.T) {
	pkt := encodeDATA(7, []byte("payload"))
	block, data, err := decodeDATA(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), block)
	assert.Equal(t, []byte("payload"), data)
}

func TestEncodeDecodeACK(t *testing.T) {
	pkt := encodeACK(42)
	block, err := decodeACK(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), block)
}

func TestEncodeDecodeERROR(t *testing.T) {
	pkt := encodeERROR(errFileNotFound, "not found")
	code, msg, err := decodeERROR(pkt)
	require.NoError(t, err)
	assert.EqualValues(t, errFileNotFound, code)
	assert.Equal(t, "not found", msg)
}

func TestEncodeOACKOnlyIncludesRequestedOptions(t *testing.T) {
	pkt := encodeOACK(map[string]string{"blksize": "1024"})
	op, err := decodeOpcode(pkt)
	require.NoError(t, err)
	assert.Equal(t, opOACK, op)
	fields, err := splitNulTerminated(pkt[2:])
	require.NoError(t, err)
	assert.Equal(t, []string{"blksize", "1024"}, fields)
}

func TestClampIntClampsToRange(t *testing.T) {
	n, ok := clampInt("99999", minBlksize, maxBlksize)
	require.True(t, ok)
	assert.Equal(t, maxBlksize, n)

	n, ok = clampInt("1", minBlksize, maxBlksize)
	require.True(t, ok)
	assert.Equal(t, minBlksize, n)

	_, ok = clampInt("not-a-number", minBlksize, maxBlksize)
	assert.False(t, ok)
}

func TestDecodeOpcodeRejectsShortPacket(t *testing.T) {
	_, err := decodeOpcode([]byte{0})
	assert.Error(t, err)
}
