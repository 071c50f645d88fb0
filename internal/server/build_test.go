package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/vconfig"
)

func TestBuildAssemblesSourcesAndHandlers(t *testing.T) {
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(hostsPath, []byte("aa:bb:cc:dd:ee:ff myhost.example.com\n"), 0o644))

	targetDir := filepath.Join(dir, "targets")
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "top.yaml"), []byte("\"*\": base\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(targetDir, "base.yaml"), []byte("role: webserver\n"), 0o644))

	bootDir := filepath.Join(dir, "boot")
	require.NoError(t, os.MkdirAll(bootDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "grub.cfg"), []byte("menu"), 0o644))

	doc := &vconfig.Document{
		DataSources: []vconfig.SourceDoc{
			{Name: "text_file", Path: hostsPath, Pattern: `^(?P<mac>\S+)\s+(?P<id>\S+)$`, SystemIDSource: "id"},
			{Name: "yaml_target", RootDir: targetDir},
			{Name: "sqlite", DBFile: filepath.Join(dir, "vinegar.db")},
		},
		HTTP: vconfig.ListenerDoc{
			BindPort: 18080,
			RequestHandlers: []vconfig.HandlerDoc{
				{Name: "file", RequestPath: "/boot/...", RootDir: bootDir, LookupKey: "id"},
			},
		},
		TFTP: vconfig.ListenerDoc{
			BindPort: 16969,
			RequestHandlers: []vconfig.HandlerDoc{
				{Name: "file", RequestPath: "/boot/...", RootDir: bootDir, LookupKey: "id"},
			},
		},
	}

	app, err := Build(doc, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.HTTP)
	assert.NotNil(t, app.TFTP)
	require.Len(t, app.stores, 1, "the sole sqlite data source must open exactly one store")
}

func TestBuildRejectsUnknownDataSourceType(t *testing.T) {
	doc := &vconfig.Document{
		DataSources: []vconfig.SourceDoc{{Name: "unknown_source"}},
	}
	_, err := Build(doc, nil)
	assert.Error(t, err)
}

func TestBuildRejectsUnknownHandlerType(t *testing.T) {
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(hostsPath, []byte(""), 0o644))

	doc := &vconfig.Document{
		DataSources: []vconfig.SourceDoc{
			{Name: "text_file", Path: hostsPath, Pattern: `^(?P<id>\S+)$`, SystemIDSource: "id"},
		},
		HTTP: vconfig.ListenerDoc{
			RequestHandlers: []vconfig.HandlerDoc{{Name: "unknown_handler"}},
		},
	}
	_, err := Build(doc, nil)
	assert.Error(t, err)
}

func TestBuildSharesOneStoreAcrossMultipleSqliteUsers(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vinegar.db")
	hostsPath := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(hostsPath, []byte("aa:bb:cc:dd:ee:ff myhost.example.com\n"), 0o644))

	doc := &vconfig.Document{
		DataSources: []vconfig.SourceDoc{
			{Name: "text_file", Path: hostsPath, Pattern: `^(?P<mac>\S+)\s+(?P<id>\S+)$`, SystemIDSource: "id"},
			{Name: "sqlite", DBFile: dbPath},
		},
		HTTP: vconfig.ListenerDoc{
			RequestHandlers: []vconfig.HandlerDoc{
				{Name: "sqlite_update", RequestPath: "/update", Action: "set_value", Key: "k", Value: "v", DBFile: dbPath},
			},
		},
	}

	app, err := Build(doc, nil)
	require.NoError(t, err)
	defer app.Close()
	assert.Len(t, app.stores, 1, "the sqlite data source and the sqlite_update handler must share one store for the same db_file")
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	hostsPath := filepath.Join(dir, "hosts.txt")
	require.NoError(t, os.WriteFile(hostsPath, []byte(""), 0o644))

	doc := &vconfig.Document{
		DataSources: []vconfig.SourceDoc{
			{Name: "text_file", Path: hostsPath, Pattern: `^(?P<id>\S+)$`, SystemIDSource: "id"},
		},
		HTTP: vconfig.ListenerDoc{BindAddress: "127.0.0.1", BindPort: 18181},
		TFTP: vconfig.ListenerDoc{BindAddress: "127.0.0.1", BindPort: 16971},
	}
	app, err := Build(doc, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
