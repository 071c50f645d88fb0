/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// VariableSpec describes one "variables" entry of a text_file source: a
// named regex capture (or literal), run through a transform chain, and
// projected into a key path of the record's data tree.
type VariableSpec struct {
	Source    string // named regex group, or a literal if no such group exists
	Key       string // compound key path the transformed value is stored at
	Transform transform.Chain
}

// TextFileConfig configures a text_file data source.
type TextFileConfig struct {
	Name              string
	Path              string
	Pattern           string // regex with named capture groups
	IgnorePattern     string // optional: lines matching this are skipped
	SystemIDSource    string
	SystemIDTransform transform.Chain
	Variables         []VariableSpec
}

type textFileRecord struct {
	systemID string
	data     vtree.Value
}

// TextFile implements DataSource over a single flat file of
// delimiter/regex matched lines. Parsed records are cached keyed by
// (path, mtime, size); a stat check on every call triggers a reload on
// change. An fsnotify watch additionally marks the
// cache dirty as soon as the OS reports a write, so a reload doesn't wait
// for the next polling interval of whatever invokes GetData/FindSystem --
// but the reload itself still happens lazily, inside the next call, never
// from the watch goroutine. Ground: filewatch/filewatch.go's
// fsnotify.Watcher usage, generalized from directory-of-files watching to
// a single watched path.
type TextFile struct {
	cfg     TextFileConfig
	pattern *regexp.Regexp
	ignore  *regexp.Regexp
	reg     *transform.Registry

	mu      sync.RWMutex
	mtime   int64
	size    int64
	records []textFileRecord
	byID    map[string]vtree.Value
	version Version

	watcher *fsnotify.Watcher
	dirty   bool
}

// NewTextFile validates cfg (compiling its regular expressions and
// transform chains) and returns a ready-to-use source. It does not read
// Path yet; the first GetData/FindSystem call does that lazily.
func NewTextFile(cfg TextFileConfig, reg *transform.Registry) (*TextFile, error) {
	if cfg.Path == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("text_file %q: path is required", cfg.Name)}
	}
	pat, err := regexp.Compile(cfg.Pattern)
	if err != nil {
		return nil, &verror.ConfigError{Err: fmt.Errorf("text_file %q: invalid pattern: %w", cfg.Name, err)}
	}
	var ignore *regexp.Regexp
	if cfg.IgnorePattern != "" {
		ignore, err = regexp.Compile(cfg.IgnorePattern)
		if err != nil {
			return nil, &verror.ConfigError{Err: fmt.Errorf("text_file %q: invalid ignore pattern: %w", cfg.Name, err)}
		}
	}
	if err := reg.Validate(cfg.SystemIDTransform); err != nil {
		return nil, err
	}
	for _, v := range cfg.Variables {
		if err := reg.Validate(v.Transform); err != nil {
			return nil, err
		}
	}

	tf := &TextFile{cfg: cfg, pattern: pat, ignore: ignore, reg: reg}
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(cfg.Path); err == nil {
			tf.watcher = w
			go tf.watchLoop()
		} else {
			w.Close()
		}
	}
	return tf, nil
}

func (tf *TextFile) watchLoop() {
	for {
		select {
		case ev, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				tf.mu.Lock()
				tf.dirty = true
				tf.mu.Unlock()
			}
		case _, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the background fsnotify watch.
func (tf *TextFile) Close() error {
	if tf.watcher != nil {
		return tf.watcher.Close()
	}
	return nil
}

func (tf *TextFile) Name() string { return tf.cfg.Name }

func (tf *TextFile) ensureLoaded() error {
	fi, err := os.Stat(tf.cfg.Path)
	if err != nil {
		return &verror.DataSourceError{Source: tf.cfg.Name, Err: err}
	}

	tf.mu.RLock()
	current := fi.ModTime().UnixNano() == tf.mtime && fi.Size() == tf.size && !tf.dirty
	tf.mu.RUnlock()
	if current {
		return nil
	}

	records, err := tf.parse()
	if err != nil {
		return &verror.DataSourceError{Source: tf.cfg.Name, Err: err}
	}

	byID := make(map[string]vtree.Value, len(records))
	for _, r := range records {
		byID[r.systemID] = r.data
	}

	tf.mu.Lock()
	tf.records = records
	tf.byID = byID
	tf.mtime = fi.ModTime().UnixNano()
	tf.size = fi.Size()
	tf.version++
	tf.dirty = false
	tf.mu.Unlock()
	return nil
}

func (tf *TextFile) parse() ([]textFileRecord, error) {
	f, err := os.Open(tf.cfg.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := tf.pattern.SubexpNames()
	var records []textFileRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if tf.ignore != nil && tf.ignore.MatchString(line) {
			continue
		}
		m := tf.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		groups := make(map[string]string, len(names))
		for i, name := range names {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}

		idSeed := vtree.String(resolveSource(tf.cfg.SystemIDSource, groups))
		idVal, err := tf.reg.Apply(tf.cfg.SystemIDTransform, idSeed)
		if err != nil {
			return nil, fmt.Errorf("text_file %s: system_id chain: %w", tf.cfg.Name, err)
		}
		systemID, ok := idVal.AsString()
		if !ok || systemID == "" {
			continue
		}

		data := vtree.Absent
		for _, v := range tf.cfg.Variables {
			seed := vtree.String(resolveSource(v.Source, groups))
			val, err := tf.reg.Apply(v.Transform, seed)
			if err != nil {
				return nil, fmt.Errorf("text_file %s: variable %s: %w", tf.cfg.Name, v.Key, err)
			}
			data = vtree.Set(data, v.Key, val)
		}
		records = append(records, textFileRecord{systemID: systemID, data: data})
	}
	return records, scanner.Err()
}

// resolveSource implements "source: <group-or-literal>": if source names a
// captured group, use its text; otherwise source is a literal value.
func resolveSource(source string, groups map[string]string) string {
	if v, ok := groups[source]; ok {
		return v
	}
	return source
}

func (tf *TextFile) GetData(ctx context.Context, systemID string, _ vtree.Value) (vtree.Value, Version, error) {
	if err := tf.ensureLoaded(); err != nil {
		return vtree.Absent, 0, err
	}
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	data, ok := tf.byID[systemID]
	if !ok {
		return vtree.Absent, tf.version, nil
	}
	return data, tf.version, nil
}

func (tf *TextFile) SupportsFindSystem() bool { return true }

func (tf *TextFile) FindSystem(ctx context.Context, lookupKey, lookupValue string) (string, bool, error) {
	if err := tf.ensureLoaded(); err != nil {
		return "", false, err
	}
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	for _, r := range tf.records {
		v := vtree.Lookup(r.data, lookupKey)
		s, ok := v.AsString()
		if ok && s == lookupValue {
			return r.systemID, true, nil
		}
	}
	return "", false, nil
}
