package tmpl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/transform"
)

func writeTemplate(t *testing.T, rootDir, name, body string) {
	t.Helper()
	full := filepath.Join(rootDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func TestScriggoEngineRendersVariableExpansion(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "netboot.txt", "host={{ id }}\n")
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	out, err := e.Render(context.Background(), "netboot.txt", RenderContext{ID: "myhost.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "host=myhost.example.com\n", string(out))
}

func TestScriggoEngineRendersAbsentID(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "fallback.txt", "{{ if id_absent }}no id{{ else }}{{ id }}{{ end }}\n")
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	out, err := e.Render(context.Background(), "fallback.txt", RenderContext{IDAbsent: true})
	require.NoError(t, err)
	assert.Equal(t, "no id\n", string(out))
}

func TestScriggoEngineExposesTransformAccessor(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "upper.txt", `{{ transform["string.to_upper"](id) }}`)
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	out, err := e.Render(context.Background(), "upper.txt", RenderContext{ID: "myhost"})
	require.NoError(t, err)
	assert.Equal(t, "MYHOST", string(out))
}

func TestScriggoEngineRaiseProducesTemplateError(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "bad.txt", `{{ raise("system has no role assigned") }}`)
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	_, err := e.Render(context.Background(), "bad.txt", RenderContext{ID: "myhost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system has no role assigned")
}

func TestScriggoEngineResolveDependenciesWalksIncludes(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "main.txt", `{{ render "partial.txt" }}`)
	writeTemplate(t, rootDir, "partial.txt", "partial body")
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	deps, err := e.ResolveDependencies("main.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"partial.txt"}, deps)
}

func TestScriggoEngineCachesCompiledTemplates(t *testing.T) {
	rootDir := t.TempDir()
	writeTemplate(t, rootDir, "once.txt", "static")
	e := NewScriggoEngine(rootDir, transform.NewRegistry())

	_, err := e.Render(context.Background(), "once.txt", RenderContext{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(rootDir, "once.txt")))

	out, err := e.Render(context.Background(), "once.txt", RenderContext{})
	require.NoError(t, err, "a cached template must still render after its source file is removed")
	assert.Equal(t, "static", string(out))
}
