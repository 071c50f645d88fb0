/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tmpl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sync"

	"github.com/open2b/scriggo/native"
	"github.com/open2b/scriggo/templates"
	"gopkg.in/yaml.v3"

	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// ScriggoEngine is the bundled template engine, built on the
// embedded-scripting library github.com/open2b/scriggo. Where
// ingest/processors/plugin/plugin.go uses scriggo.Build to compile a
// sandboxed Go-like plugin, ScriggoEngine instead uses scriggo's
// templates subpackage, whose {{ }} expression/block syntax covers
// variable expansion, if/for/with/do/break/continue, and
// inheritance/inclusion.
type ScriggoEngine struct {
	rootDir string
	reg     *transform.Registry

	mu     sync.Mutex
	cached map[string]*templates.Template
}

// NewScriggoEngine returns an engine that resolves template paths
// relative to rootDir. reg backs the `transform['name'](value, ...)`
// accessor exposed to templates.
func NewScriggoEngine(rootDir string, reg *transform.Registry) *ScriggoEngine {
	return &ScriggoEngine{rootDir: rootDir, reg: reg, cached: make(map[string]*templates.Template)}
}

func (e *ScriggoEngine) declarations() native.Declarations {
	return native.Declarations{
		"raise": func(msg string) string {
			panic(templateRaise{msg: msg})
		},
		"transform": e.transformAccessor(),
		"to_yaml": func(v interface{}) (string, error) {
			b, err := yaml.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"to_json": toJSON,
	}
}

// templateRaise is the panic value used by the `raise(msg)` builtin so
// ScriggoEngine.Render can recover it and report a clean TemplateError
// carrying the message and template path, rather than letting scriggo's
// own panic propagate. The TemplateError's Location is left empty.
type templateRaise struct{ msg string }

// transformAccessor exposes transform['name'](value, args...) inside
// templates, backed by the same registry the data sources use.
func (e *ScriggoEngine) transformAccessor() map[string]func(interface{}, ...string) (interface{}, error) {
	names := []string{
		"string.to_lower", "string.to_upper", "string.add_prefix", "string.add_suffix",
		"string.remove_prefix", "string.remove_suffix", "string.split", "string.slugify",
		"mac_address.normalize", "ipv4_address.normalize",
		"ip_address.normalize", "ip_address.network", "ip_address.host",
	}
	out := make(map[string]func(interface{}, ...string) (interface{}, error), len(names))
	for _, name := range names {
		name := name
		out[name] = func(v interface{}, args ...string) (interface{}, error) {
			fn, err := e.reg.Lookup(name)
			if err != nil {
				return nil, err
			}
			res, err := fn(vtree.FromNative(v), args)
			if err != nil {
				return nil, err
			}
			return res.Native(), nil
		}
	}
	return out
}

func (e *ScriggoEngine) fsys() fs.FS { return os.DirFS(e.rootDir) }

func (e *ScriggoEngine) build(templatePath string) (*templates.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.cached[templatePath]; ok {
		return t, nil
	}
	opts := &templates.BuildOptions{
		Globals: e.declarations(),
	}
	t, err := templates.Build(e.fsys(), templatePath, opts)
	if err != nil {
		return nil, &verror.TemplateError{Path: templatePath, Err: err}
	}
	e.cached[templatePath] = t
	return t, nil
}

// Render implements Engine. Panics raised by the `raise()` builtin are
// recovered and turned into a TemplateError carrying the message; any
// other scriggo runtime panic is likewise recovered rather than crashing
// the serving goroutine, since rendering errors are per-request and must never take the server down.
func (e *ScriggoEngine) Render(ctx context.Context, templatePath string, rc RenderContext) (out []byte, err error) {
	t, err := e.build(templatePath)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			if tr, ok := r.(templateRaise); ok {
				err = &verror.TemplateError{Path: templatePath, Err: fmt.Errorf("%s", tr.msg)}
				return
			}
			err = &verror.TemplateError{Path: templatePath, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	vars := map[string]interface{}{
		"id":           rc.ID,
		"id_absent":    rc.IDAbsent,
		"data":         rc.Data,
		"request_info": rc.RequestInfo,
	}
	if rc.IDAbsent {
		vars["id"] = nil
	}

	var buf bytes.Buffer
	runOpts := &templates.RunOptions{Context: ctx}
	if runErr := t.Run(&buf, vars, runOpts); runErr != nil {
		return nil, &verror.TemplateError{Path: templatePath, Err: runErr}
	}
	return buf.Bytes(), nil
}

var includeDirective = regexp.MustCompile(`\{\{\s*(?:extends|import|render)\s+"([^"]+)"\s*\}\}`)

// ResolveDependencies walks {{ extends/import/render "path" }} directives
// textually. scriggo's own build graph isn't part of its public API, so
// this is a small hand-rolled scan instead, in the same spirit as
// ingest/config's overlay scan.
func (e *ScriggoEngine) ResolveDependencies(templatePath string) ([]string, error) {
	seen := map[string]bool{}
	var deps []string
	var walk func(path string) error
	walk = func(path string) error {
		if seen[path] {
			return nil
		}
		seen[path] = true
		b, err := fs.ReadFile(e.fsys(), path)
		if err != nil {
			return &verror.NotFound{Path: path}
		}
		for _, m := range includeDirective.FindAllStringSubmatch(string(b), -1) {
			dep := m[1]
			deps = append(deps, dep)
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(templatePath); err != nil {
		return nil, err
	}
	return deps, nil
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
