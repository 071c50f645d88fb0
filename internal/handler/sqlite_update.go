/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kit-ibpt/vinegar/internal/store"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// UpdateAction is one of the four sqlite_update operations.
type UpdateAction string

const (
	ActionDeleteData                  UpdateAction = "delete_data"
	ActionSetValue                    UpdateAction = "set_value"
	ActionSetJSONValueFromRequestBody UpdateAction = "set_json_value_from_request_body"
	ActionSetTextValueFromRequestBody UpdateAction = "set_text_value_from_request_body"
)

// SQLiteUpdateConfig configures a sqlite_update request handler.
type SQLiteUpdateConfig struct {
	Name              string
	RequestPath       string // prefix; request form is "<prefix>/<system_id>"
	Action            UpdateAction
	Key               string
	Value             string // literal value for set_value
	ClientAddressKey  string
	ClientAddressList []string
}

// SQLiteUpdateHandler implements the sqlite_update handler: a single
// mutation of the shared SQLite store, gated by the same client-address
// access control as the file handler.
type SQLiteUpdateHandler struct {
	cfg SQLiteUpdateConfig
	db  *store.Store
}

// NewSQLiteUpdateHandler returns a ready handler writing through db.
func NewSQLiteUpdateHandler(cfg SQLiteUpdateConfig, db *store.Store) (*SQLiteUpdateHandler, error) {
	if cfg.RequestPath == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("sqlite_update handler %q: request_path is required", cfg.Name)}
	}
	switch cfg.Action {
	case ActionDeleteData, ActionSetValue, ActionSetJSONValueFromRequestBody, ActionSetTextValueFromRequestBody:
	default:
		return nil, &verror.ConfigError{Err: fmt.Errorf("sqlite_update handler %q: unknown action %q", cfg.Name, cfg.Action)}
	}
	if cfg.Action != ActionDeleteData && cfg.Key == "" {
		return nil, &verror.ConfigError{Err: fmt.Errorf("sqlite_update handler %q: key is required for action %q", cfg.Name, cfg.Action)}
	}
	return &SQLiteUpdateHandler{cfg: cfg, db: db}, nil
}

func (h *SQLiteUpdateHandler) Name() string { return h.cfg.Name }

func (h *SQLiteUpdateHandler) CanHandle(req *Request) bool {
	decoded, err := decodeAndNormalizePath(req.Path)
	if err != nil {
		return false
	}
	prefix := strings.TrimSuffix(h.cfg.RequestPath, variableMarker) + "/"
	return strings.HasPrefix(decoded, prefix)
}

// Handle parses the request form "<prefix>/<system_id>", using the
// system ID both for access control and as the row key.
func (h *SQLiteUpdateHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	decoded, err := decodeAndNormalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	systemID, _, _, ok := splitPrefix(decoded, h.cfg.RequestPath+variableMarker)
	if !ok || systemID == "" {
		return nil, &verror.NotFound{Path: decoded}
	}

	if h.cfg.ClientAddressKey != "" || len(h.cfg.ClientAddressList) > 0 {
		var fromData string
		if h.cfg.ClientAddressKey != "" {
			v, ok, err := h.db.Get(ctx, systemID, h.cfg.ClientAddressKey)
			if err != nil {
				return nil, &verror.DataSourceError{Source: h.cfg.Name, Err: err}
			}
			if ok {
				fromData, _ = v.AsString()
			}
		}
		if !accessControlOK(req.ClientAddress, fromData, h.cfg.ClientAddressList) {
			return nil, &verror.AccessDenied{Client: req.ClientAddress}
		}
	}

	switch h.cfg.Action {
	case ActionDeleteData:
		if err := h.db.Delete(ctx, systemID, h.cfg.Key); err != nil {
			return nil, &verror.DataSourceError{Source: h.cfg.Name, Err: err}
		}
	case ActionSetValue:
		if err := h.db.Set(ctx, systemID, h.cfg.Key, vtree.String(h.cfg.Value)); err != nil {
			return nil, &verror.DataSourceError{Source: h.cfg.Name, Err: err}
		}
	case ActionSetJSONValueFromRequestBody:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, &verror.ProtocolError{Detail: "could not read request body"}
		}
		var native interface{}
		if err := json.Unmarshal(body, &native); err != nil {
			return nil, &verror.ProtocolError{Detail: "malformed JSON request body"}
		}
		if err := h.db.Set(ctx, systemID, h.cfg.Key, vtree.FromNative(native)); err != nil {
			return nil, &verror.DataSourceError{Source: h.cfg.Name, Err: err}
		}
	case ActionSetTextValueFromRequestBody:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, &verror.ProtocolError{Detail: "could not read request body"}
		}
		if err := h.db.Set(ctx, systemID, h.cfg.Key, vtree.String(string(body))); err != nil {
			return nil, &verror.DataSourceError{Source: h.cfg.Name, Err: err}
		}
	}

	return &Response{NoBody: true}, nil
}
