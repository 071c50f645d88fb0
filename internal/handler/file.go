/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kit-ibpt/vinegar/internal/datasource"
	"github.com/kit-ibpt/vinegar/internal/tmpl"
	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vlog"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// ErrorAction and NoResultAction are the three-way/two-way policy knobs
// governing what a file handler does when its data source errors, or
// when its lookup finds no matching system.
type ErrorAction string

const (
	ActionFail     ErrorAction = "fail"
	ActionWarn     ErrorAction = "warn"
	ActionContinue ErrorAction = "continue"
)

type NoResultAction string

const (
	NoResultFail     NoResultAction = "fail"
	NoResultContinue NoResultAction = "continue"
)

// FileConfig configures a `file` request handler.
type FileConfig struct {
	Name                  string
	RequestPath           string
	RootDir               string
	LookupKey             string
	LookupValueTransform  transform.Chain
	Template              string
	DataSourceErrorAction ErrorAction
	LookupNoResultAction  NoResultAction
	ClientAddressKey      string
	ClientAddressList     []string
	FileSuffix            string
}

// FileHandler implements the `file` request handler: resolve a system ID
// from the request path (directly, or via composite reverse lookup),
// assemble its data tree, then either stream a file from RootDir or
// render Template against it.
type FileHandler struct {
	cfg        FileConfig
	composite  *datasource.Composite
	transforms *transform.Registry
	engine     tmpl.Engine
	logger     *vlog.Logger
}

// NewFileHandler validates cfg's defaults and returns a ready handler.
// engine may be nil when cfg.Template is empty.
func NewFileHandler(cfg FileConfig, composite *datasource.Composite, transforms *transform.Registry, engine tmpl.Engine, logger *vlog.Logger) (*FileHandler, error) {
	if cfg.RequestPath == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("file handler %q: request_path is required", cfg.Name)}
	}
	if cfg.RootDir == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("file handler %q: root_dir is required", cfg.Name)}
	}
	if cfg.DataSourceErrorAction == "" {
		cfg.DataSourceErrorAction = ActionFail
	}
	if cfg.LookupNoResultAction == "" {
		cfg.LookupNoResultAction = NoResultFail
	}
	if err := transforms.Validate(cfg.LookupValueTransform); err != nil {
		return nil, err
	}
	return &FileHandler{cfg: cfg, composite: composite, transforms: transforms, engine: engine, logger: logger}, nil
}

func (h *FileHandler) Name() string { return h.cfg.Name }

func (h *FileHandler) CanHandle(req *Request) bool {
	decoded, err := decodeAndNormalizePath(req.Path)
	if err != nil {
		return false
	}
	prefix := strings.TrimSuffix(h.cfg.RequestPath, variableMarker)
	return strings.HasPrefix(decoded, prefix)
}

func (h *FileHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	decoded, err := decodeAndNormalizePath(req.Path)
	if err != nil {
		return nil, err
	}

	lookupValue, subpath, _, ok := splitPrefix(decoded, h.cfg.RequestPath)
	if !ok {
		return nil, &verror.NotFound{Path: decoded}
	}

	systemID, hasID, err := h.resolveSystemID(ctx, lookupValue)
	if err != nil {
		switch h.cfg.DataSourceErrorAction {
		case ActionFail:
			return nil, err
		case ActionWarn:
			if h.logger != nil {
				h.logger.Warnf("file handler %s: data source error resolving %q: %v", h.cfg.Name, lookupValue, err)
			}
			hasID = false
		case ActionContinue:
			hasID = false
		}
	}

	if !hasID {
		if h.cfg.LookupNoResultAction == NoResultFail {
			return nil, &verror.LookupError{Value: lookupValue}
		}
		systemID = ""
	}

	data := vtree.Absent
	var agg datasource.AggregateVersion
	if hasID {
		data, agg, err = h.composite.GetData(ctx, systemID)
		_ = agg
		if err != nil {
			switch h.cfg.DataSourceErrorAction {
			case ActionFail:
				return nil, err
			case ActionWarn:
				if h.logger != nil {
					h.logger.Warnf("file handler %s: data source error for %q: %v", h.cfg.Name, systemID, err)
				}
				hasID = false
				data = vtree.Absent
			case ActionContinue:
				hasID = false
				data = vtree.Absent
			}
		}
	}

	if h.cfg.ClientAddressKey != "" || len(h.cfg.ClientAddressList) > 0 {
		var fromData string
		if hasID {
			v := vtree.Lookup(data, h.cfg.ClientAddressKey)
			fromData, _ = v.AsString()
		}
		if !accessControlOK(req.ClientAddress, fromData, h.cfg.ClientAddressList) {
			return nil, &verror.AccessDenied{Client: req.ClientAddress}
		}
	}

	candidate := subpath
	if h.cfg.FileSuffix != "" {
		candidate += h.cfg.FileSuffix
	}
	fullPath := filepath.Join(h.cfg.RootDir, filepath.FromSlash(candidate))
	rootAbs, err := filepath.Abs(h.cfg.RootDir)
	if err != nil {
		return nil, &verror.NotFound{Path: candidate}
	}
	fullAbs, err := filepath.Abs(fullPath)
	if err != nil || (fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator))) {
		return nil, &verror.NotFound{Path: candidate}
	}

	if h.cfg.Template == "" {
		fi, err := os.Stat(fullAbs)
		if err != nil || fi.IsDir() {
			return nil, &verror.NotFound{Path: candidate}
		}
		return &Response{FilePath: fullAbs, FileSize: fi.Size(), ModTime: fi.ModTime()}, nil
	}

	if h.engine == nil {
		return nil, &verror.ConfigError{Err: fmt.Errorf("file handler %q: template set but no engine configured", h.cfg.Name)}
	}
	rc := tmpl.RenderContext{
		ID:       systemID,
		IDAbsent: !hasID,
		Data:     data.Native(),
		RequestInfo: tmpl.RequestInfo{
			Protocol:      req.Protocol,
			Method:        req.Method,
			Path:          decoded,
			ClientAddress: req.ClientAddress,
			Host:          req.Host,
		},
	}
	rendered, err := h.engine.Render(ctx, h.cfg.Template, rc)
	if err != nil {
		return nil, err
	}
	return &Response{Body: rendered}, nil
}

// resolveSystemID resolves lookupValue to a system ID: the sentinel
// lookup_key makes lookupValue the system ID directly; otherwise the
// value is transformed and reverse-looked-up through the composite.
func (h *FileHandler) resolveSystemID(ctx context.Context, lookupValue string) (string, bool, error) {
	if h.cfg.LookupKey == systemIDSentinel || h.cfg.LookupKey == "" {
		if lookupValue == "" {
			return "", false, nil
		}
		return lookupValue, true, nil
	}
	normalized, err := h.transforms.Apply(h.cfg.LookupValueTransform, vtree.String(lookupValue))
	if err != nil {
		return "", false, fmt.Errorf("file handler %s: lookup_value_transform: %w", h.cfg.Name, err)
	}
	normStr, _ := normalized.AsString()
	id, found, err := h.composite.FindSystem(ctx, h.cfg.LookupKey, normStr)
	if err != nil {
		return "", false, err
	}
	return id, found, nil
}
