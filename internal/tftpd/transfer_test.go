package tftpd

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/verror"
)

type stubHandler struct {
	name      string
	canHandle bool
	resp      *handler.Response
	err       error
}

func (h *stubHandler) Name() string                        { return h.name }
func (h *stubHandler) CanHandle(req *handler.Request) bool  { return h.canHandle }
func (h *stubHandler) Handle(ctx context.Context, req *handler.Request) (*handler.Response, error) {
	return h.resp, h.err
}

func TestTransferResolveReturnsBodyResponse(t *testing.T) {
	h := &stubHandler{name: "file", canHandle: true, resp: &handler.Response{Body: []byte("boot script")}}
	tr := &transfer{clientAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}, handlers: []handler.Handler{h}}

	rf, err := tr.resolve(context.Background(), &requestPacket{filename: "grub.cfg"})
	require.NoError(t, err)
	defer rf.close()
	assert.EqualValues(t, len("boot script"), rf.size)
}

func TestTransferResolveStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grub.cfg")
	require.NoError(t, os.WriteFile(path, []byte("menu"), 0o644))

	h := &stubHandler{name: "file", canHandle: true, resp: &handler.Response{FilePath: path, FileSize: 4}}
	tr := &transfer{clientAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}, handlers: []handler.Handler{h}}

	rf, err := tr.resolve(context.Background(), &requestPacket{filename: "grub.cfg"})
	require.NoError(t, err)
	defer rf.close()
	assert.EqualValues(t, 4, rf.size)
}

func TestTransferResolveNoHandlerIsNotFound(t *testing.T) {
	tr := &transfer{clientAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}}
	_, err := tr.resolve(context.Background(), &requestPacket{filename: "missing"})
	var notFound *verror.NotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMapErrorTranslatesTaxonomyToCodes(t *testing.T) {
	code, _ := mapError(&verror.NotFound{Path: "x"})
	assert.EqualValues(t, errFileNotFound, code)

	code, _ = mapError(&verror.LookupError{Value: "x"})
	assert.EqualValues(t, errFileNotFound, code)

	code, _ = mapError(&verror.AccessDenied{Client: "1.2.3.4"})
	assert.EqualValues(t, errAccessViolation, code)
}

func TestSameTID(t *testing.T) {
	a := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	b := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	c := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5001}
	assert.True(t, sameTID(a, b))
	assert.False(t, sameTID(a, c))
}

// TestTransferBlocksEndToEnd drives a full DATA/ACK loop over a real
// loopback UDP socket, acting as the client side.
func TestTransferBlocksEndToEnd(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	tr := &transfer{
		conn:       serverConn,
		clientAddr: clientConn.LocalAddr().(*net.UDPAddr),
		blksize:    8,
		timeout:    2 * time.Second,
	}

	payload := []byte("0123456789") // two blocks of 8 and 2 bytes
	done := make(chan struct{})
	go func() {
		tr.transferBlocks(bytes.NewReader(payload))
		close(done)
	}()

	var received []byte
	buf := make([]byte, 65536)
	for i := 0; i < 2; i++ {
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := clientConn.ReadFromUDP(buf)
		require.NoError(t, err)
		block, data, err := decodeDATA(buf[:n])
		require.NoError(t, err)
		assert.EqualValues(t, i+1, block)
		received = append(received, data...)
		_, err = clientConn.WriteToUDP(encodeACK(block), from)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transferBlocks did not complete")
	}
	assert.Equal(t, payload, received)
}
