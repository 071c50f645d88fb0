/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/kit-ibpt/vinegar/internal/matcher"
	"github.com/kit-ibpt/vinegar/internal/tmpl"
	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// YAMLTargetConfig configures a yaml_target source.
type YAMLTargetConfig struct {
	Name    string
	RootDir string // root for resolving top-level include file names
	TopFile string // path to the root top.yaml, relative to RootDir
}

// topEntry is one key of top.yaml: a compiled matcher plus the file names
// it contributes when it matches.
type topEntry struct {
	expr  *matcher.Expr
	files []string
}

// YAMLTarget implements DataSource by walking a matcher-keyed tree of
// YAML include files rooted at top.yaml, rendering each one through a
// template engine before parsing it. It re-reads
// top.yaml (and re-renders every include) whenever any involved file's
// mtime changes, the same stat-driven lifecycle as TextFile. Ground:
// filewatch/filewatch.go's fsnotify usage, generalized the same way as
// TextFile.
type YAMLTarget struct {
	cfg    YAMLTargetConfig
	engine tmpl.Engine
	reg    *transform.Registry

	mu      sync.RWMutex
	entries []topEntry
	mtimes  map[string]int64 // path -> mtime, every file read while resolving top.yaml
	version Version

	watcher *fsnotify.Watcher
	dirty   bool
}

// NewYAMLTarget validates cfg and returns a ready-to-use source. The root
// top.yaml is not read until the first GetData call.
func NewYAMLTarget(cfg YAMLTargetConfig, engine tmpl.Engine, reg *transform.Registry) (*YAMLTarget, error) {
	if cfg.RootDir == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("yaml_target %q: root_dir is required", cfg.Name)}
	}
	if cfg.TopFile == "" {
		cfg.TopFile = "top.yaml"
	}
	yt := &YAMLTarget{cfg: cfg, engine: engine, reg: reg, mtimes: make(map[string]int64)}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(cfg.RootDir); err == nil {
			yt.watcher = w
			go yt.watchLoop()
		} else {
			w.Close()
		}
	}
	return yt, nil
}

func (yt *YAMLTarget) watchLoop() {
	for {
		select {
		case ev, ok := <-yt.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				yt.mu.Lock()
				yt.dirty = true
				yt.mu.Unlock()
			}
		case _, ok := <-yt.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the background fsnotify watch.
func (yt *YAMLTarget) Close() error {
	if yt.watcher != nil {
		return yt.watcher.Close()
	}
	return nil
}

func (yt *YAMLTarget) Name() string { return yt.cfg.Name }

// SupportsFindSystem is always false: yaml_target does not support
// reverse lookup.
func (yt *YAMLTarget) SupportsFindSystem() bool { return false }

func (yt *YAMLTarget) FindSystem(ctx context.Context, lookupKey, lookupValue string) (string, bool, error) {
	return "", false, nil
}

func (yt *YAMLTarget) resolvePath(name string, fromDir string) string {
	if strings.HasPrefix(name, ".") {
		return filepath.Join(fromDir, name)
	}
	return filepath.Join(yt.cfg.RootDir, name)
}

// resolveFileName implements "dotted file names map to directory paths; a
// bare name resolves to <name>.yaml or <name>/init.yaml."
func (yt *YAMLTarget) resolveFileName(name string) (string, error) {
	base := yt.cfg.RootDir
	rel := strings.ReplaceAll(name, ".", string(filepath.Separator))
	direct := filepath.Join(base, rel+".yaml")
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	initPath := filepath.Join(base, rel, "init.yaml")
	if _, err := os.Stat(initPath); err == nil {
		return initPath, nil
	}
	return "", &verror.NotFound{Path: name}
}

func (yt *YAMLTarget) stat(p string) (int64, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().UnixNano(), nil
}

// needsReload reports whether top.yaml or any file read while resolving
// it last time has changed since.
func (yt *YAMLTarget) needsReload() bool {
	yt.mu.RLock()
	defer yt.mu.RUnlock()
	if yt.dirty || yt.entries == nil {
		return true
	}
	for p, mt := range yt.mtimes {
		cur, err := yt.stat(p)
		if err != nil || cur != mt {
			return true
		}
	}
	return false
}

func (yt *YAMLTarget) ensureLoaded() error {
	if !yt.needsReload() {
		return nil
	}

	topPath := filepath.Join(yt.cfg.RootDir, yt.cfg.TopFile)
	mtimes := make(map[string]int64)
	mt, err := yt.stat(topPath)
	if err != nil {
		return &verror.DataSourceError{Source: yt.cfg.Name, Err: err}
	}
	mtimes[topPath] = mt

	raw, err := os.ReadFile(topPath)
	if err != nil {
		return &verror.DataSourceError{Source: yt.cfg.Name, Err: err}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return &verror.DataSourceError{Source: yt.cfg.Name, Err: fmt.Errorf("yaml_target %s: parsing %s: %w", yt.cfg.Name, topPath, err)}
	}

	entries, err := parseTop(&doc)
	if err != nil {
		return &verror.DataSourceError{Source: yt.cfg.Name, Err: fmt.Errorf("yaml_target %s: %w", yt.cfg.Name, err)}
	}

	// Record mtimes of every file an entry's include list could touch, so
	// a change to a leaf include file also triggers reload, even though
	// rendering itself happens lazily per GetData call.
	for _, e := range entries {
		for _, name := range e.files {
			p, rerr := yt.resolveFileName(name)
			if rerr != nil {
				continue
			}
			if m, serr := yt.stat(p); serr == nil {
				mtimes[p] = m
			}
		}
	}

	yt.mu.Lock()
	yt.entries = entries
	yt.mtimes = mtimes
	yt.version++
	yt.dirty = false
	yt.mu.Unlock()
	return nil
}

// parseTop reads top.yaml's top-level keys as matcher expressions mapping
// to a file name or list of file names.
func parseTop(doc *yaml.Node) ([]topEntry, error) {
	content := doc
	if content.Kind == yaml.DocumentNode && len(content.Content) == 1 {
		content = content.Content[0]
	}
	if content.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top file must be a mapping")
	}
	var entries []topEntry
	for i := 0; i+1 < len(content.Content); i += 2 {
		keyNode := content.Content[i]
		valNode := content.Content[i+1]
		expr, err := matcher.Parse(keyNode.Value)
		if err != nil {
			return nil, fmt.Errorf("top key %q: %w", keyNode.Value, err)
		}
		var files []string
		switch valNode.Kind {
		case yaml.ScalarNode:
			files = []string{valNode.Value}
		case yaml.SequenceNode:
			for _, f := range valNode.Content {
				files = append(files, f.Value)
			}
		default:
			return nil, fmt.Errorf("top key %q: value must be a file name or list of file names", keyNode.Value)
		}
		entries = append(entries, topEntry{expr: expr, files: files})
	}
	return entries, nil
}

// topAdapter lets a fully resolved system record satisfy matcher.Tree for
// evaluating top.yaml keys against a system's preceding data.
type topAdapter struct{ root vtree.Value }

func (a topAdapter) Lookup(key string) (string, bool) {
	v := vtree.Lookup(a.root, key)
	return v.AsString()
}

// GetData renders and merges every top.yaml entry matching systemID, in
// declared order, with include cycles reported as DataSourceError. Scope
// during rendering is limited to strictly earlier sources' merged data.
func (yt *YAMLTarget) GetData(ctx context.Context, systemID string, preceding vtree.Value) (vtree.Value, Version, error) {
	if err := yt.ensureLoaded(); err != nil {
		return vtree.Absent, 0, err
	}

	yt.mu.RLock()
	entries := yt.entries
	version := yt.version
	yt.mu.RUnlock()

	adapter := topAdapter{root: preceding}
	result := vtree.Absent
	seen := make(map[string]bool)
	for _, e := range entries {
		ok, err := e.expr.Match(systemID, adapter)
		if err != nil {
			return vtree.Absent, 0, &verror.DataSourceError{Source: yt.cfg.Name, Err: err}
		}
		if !ok {
			continue
		}
		for _, name := range e.files {
			parsed, err := yt.renderInclude(ctx, name, yt.cfg.RootDir, systemID, preceding, seen)
			if err != nil {
				return vtree.Absent, 0, err
			}
			result = vtree.Merge(result, parsed, false)
		}
	}
	return result, version, nil
}

// renderInclude resolves, renders, and parses one include file, then
// recursively resolves any `include:` directive in the parsed document
// the same way. A name starting with "." is resolved relative to the
// including file's directory; any other name is resolved from root_dir
// through resolveFileName.
func (yt *YAMLTarget) renderInclude(ctx context.Context, name, fromDir, systemID string, preceding vtree.Value, seen map[string]bool) (vtree.Value, error) {
	var p string
	var err error
	if strings.HasPrefix(name, ".") {
		p = yt.resolvePath(name, fromDir)
	} else {
		p, err = yt.resolveFileName(name)
		if err != nil {
			return vtree.Absent, &verror.DataSourceError{Source: yt.cfg.Name, Err: err}
		}
	}
	p = filepath.Clean(p)

	if seen[p] {
		return vtree.Absent, &verror.DataSourceError{Source: yt.cfg.Name, Err: fmt.Errorf("include cycle detected at %s", p)}
	}
	seen[p] = true
	defer delete(seen, p)

	rel, err := filepath.Rel(yt.cfg.RootDir, p)
	if err != nil {
		rel = p
	}
	rel = filepath.ToSlash(rel)

	rc := tmpl.RenderContext{
		ID:       systemID,
		IDAbsent: systemID == "",
		Data:     preceding.Native(),
	}
	rendered, err := yt.engine.Render(ctx, rel, rc)
	if err != nil {
		return vtree.Absent, &verror.DataSourceError{Source: yt.cfg.Name, Err: err}
	}

	var node yaml.Node
	if err := yaml.Unmarshal(rendered, &node); err != nil {
		return vtree.Absent, &verror.DataSourceError{Source: yt.cfg.Name, Err: fmt.Errorf("parsing %s: %w", p, err)}
	}
	var native interface{}
	if err := node.Decode(&native); err != nil {
		return vtree.Absent, &verror.DataSourceError{Source: yt.cfg.Name, Err: fmt.Errorf("decoding %s: %w", p, err)}
	}
	doc := vtree.FromNative(native)

	includeVal := vtree.Lookup(doc, "include")
	if seq, ok := includeVal.AsSequence(); ok {
		dir := path.Dir(rel)
		merged := doc
		for _, item := range seq {
			childName, ok := item.AsString()
			if !ok {
				continue
			}
			child, err := yt.renderInclude(ctx, childName, filepath.Join(yt.cfg.RootDir, dir), systemID, preceding, seen)
			if err != nil {
				return vtree.Absent, err
			}
			merged = vtree.Merge(merged, child, false)
		}
		doc = merged
	}

	return doc, nil
}
