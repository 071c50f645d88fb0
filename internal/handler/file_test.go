package handler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/datasource"
	"github.com/kit-ibpt/vinegar/internal/tmpl"
	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
)

type fakeEngine struct {
	rendered []byte
	err      error
	lastRC   tmpl.RenderContext
}

func (e *fakeEngine) Render(ctx context.Context, path string, rc tmpl.RenderContext) ([]byte, error) {
	e.lastRC = rc
	if e.err != nil {
		return nil, e.err
	}
	return e.rendered, nil
}

func (e *fakeEngine) ResolveDependencies(path string) ([]string, error) { return nil, nil }

func newTestComposite(t *testing.T) *datasource.Composite {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte("aa:bb:cc:dd:ee:ff myhost.example.com\n"), 0o644))

	reg := transform.NewRegistry()
	src, err := datasource.NewTextFile(datasource.TextFileConfig{
		Name:           "hosts",
		Path:           path,
		Pattern:        `^(?P<mac>\S+)\s+(?P<id>\S+)$`,
		SystemIDSource: "id",
		Variables: []datasource.VariableSpec{
			{Source: "mac", Key: "net:mac_address"},
		},
	}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return datasource.NewComposite([]datasource.DataSource{src}, nil, false)
}

func TestFileHandlerServesStaticFile(t *testing.T) {
	rootDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "grub.cfg"), []byte("menu"), 0o644))

	h, err := NewFileHandler(FileConfig{
		Name:        "file",
		RequestPath: "/boot/" + variableMarker,
		RootDir:     rootDir,
		LookupKey:   systemIDSentinel,
	}, newTestComposite(t), transform.NewRegistry(), nil, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/myhost.example.com/grub.cfg"}
	require.True(t, h.CanHandle(req))

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rootDir, "grub.cfg"), resp.FilePath)
}

func TestFileHandlerRejectsPathEscape(t *testing.T) {
	rootDir := t.TempDir()
	h, err := NewFileHandler(FileConfig{
		Name:        "file",
		RequestPath: "/boot/" + variableMarker,
		RootDir:     rootDir,
		LookupKey:   systemIDSentinel,
	}, newTestComposite(t), transform.NewRegistry(), nil, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/myhost.example.com/../../../etc/passwd"}
	_, err = h.Handle(context.Background(), req)
	assert.Error(t, err)
}

func TestFileHandlerRendersTemplate(t *testing.T) {
	engine := &fakeEngine{rendered: []byte("rendered body")}
	h, err := NewFileHandler(FileConfig{
		Name:        "file",
		RequestPath: "/boot/" + variableMarker,
		RootDir:     t.TempDir(),
		LookupKey:   systemIDSentinel,
		Template:    "netboot.tmpl",
	}, newTestComposite(t), transform.NewRegistry(), engine, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/myhost.example.com/ignored"}
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "rendered body", string(resp.Body))
	assert.Equal(t, "myhost.example.com", engine.lastRC.ID)
	assert.False(t, engine.lastRC.IDAbsent)
}

func TestFileHandlerLookupNoResultFailByDefault(t *testing.T) {
	h, err := NewFileHandler(FileConfig{
		Name:        "file",
		RequestPath: "/boot/" + variableMarker,
		RootDir:     t.TempDir(),
		LookupKey:   "net:mac_address",
	}, newTestComposite(t), transform.NewRegistry(), nil, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/11:22:33:44:55:66/grub.cfg"}
	_, err = h.Handle(context.Background(), req)
	var lookupErr *verror.LookupError
	assert.ErrorAs(t, err, &lookupErr)
}

func TestFileHandlerLookupNoResultContinueRendersAbsentID(t *testing.T) {
	engine := &fakeEngine{rendered: []byte("fallback")}
	h, err := NewFileHandler(FileConfig{
		Name:                 "file",
		RequestPath:          "/boot/" + variableMarker,
		RootDir:              t.TempDir(),
		LookupKey:            "net:mac_address",
		Template:             "fallback.tmpl",
		LookupNoResultAction: NoResultContinue,
	}, newTestComposite(t), transform.NewRegistry(), engine, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/11:22:33:44:55:66/grub.cfg"}
	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "fallback", string(resp.Body))
	assert.True(t, engine.lastRC.IDAbsent)
}

func TestFileHandlerAccessControlDenies(t *testing.T) {
	h, err := NewFileHandler(FileConfig{
		Name:              "file",
		RequestPath:       "/boot/" + variableMarker,
		RootDir:           t.TempDir(),
		LookupKey:         systemIDSentinel,
		ClientAddressList: []string{"203.0.113.0/24"},
	}, newTestComposite(t), transform.NewRegistry(), nil, nil)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "GET", Path: "/boot/myhost.example.com/grub.cfg", ClientAddress: "198.51.100.9"}
	_, err = h.Handle(context.Background(), req)
	var denied *verror.AccessDenied
	assert.ErrorAs(t, err, &denied)
}
