package handler

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-ibpt/vinegar/internal/store"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

func openTestDB(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vinegar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpdateHandlerSetValue(t *testing.T) {
	db := openTestDB(t)
	h, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:        "mark_provisioned",
		RequestPath: "/provisioned",
		Action:      ActionSetValue,
		Key:         "provisioned",
		Value:       "true",
	}, db)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "POST", Path: "/provisioned/myhost.example.com"}
	require.True(t, h.CanHandle(req))

	resp, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.NoBody)

	v, ok, err := db.Get(context.Background(), "myhost.example.com", "provisioned")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "true", s)
}

func TestSQLiteUpdateHandlerDeleteData(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Set(context.Background(), "host", "k", vtree.String("v")))

	h, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:        "clear",
		RequestPath: "/clear",
		Action:      ActionDeleteData,
		Key:         "k",
	}, db)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "POST", Path: "/clear/host"}
	_, err = h.Handle(context.Background(), req)
	require.NoError(t, err)

	_, ok, err := db.Get(context.Background(), "host", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteUpdateHandlerSetJSONValueFromRequestBody(t *testing.T) {
	db := openTestDB(t)
	h, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:        "set_json",
		RequestPath: "/facts",
		Action:      ActionSetJSONValueFromRequestBody,
		Key:         "facts",
	}, db)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "POST", Path: "/facts/host", Body: bytes.NewReader([]byte(`{"cpu":4}`))}
	_, err = h.Handle(context.Background(), req)
	require.NoError(t, err)

	v, ok, err := db.Get(context.Background(), "host", "facts")
	require.NoError(t, err)
	require.True(t, ok)
	m, ok := v.Native().(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 4, m["cpu"])
}

func TestSQLiteUpdateHandlerRejectsMalformedJSON(t *testing.T) {
	db := openTestDB(t)
	h, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:        "set_json",
		RequestPath: "/facts",
		Action:      ActionSetJSONValueFromRequestBody,
		Key:         "facts",
	}, db)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "POST", Path: "/facts/host", Body: bytes.NewReader([]byte(`not json`))}
	_, err = h.Handle(context.Background(), req)
	var proto *verror.ProtocolError
	assert.ErrorAs(t, err, &proto)
}

func TestSQLiteUpdateHandlerAccessControlDenies(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Set(context.Background(), "host", "allowed_from", vtree.String("203.0.113.9")))

	h, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:             "set_value",
		RequestPath:      "/provisioned",
		Action:           ActionSetValue,
		Key:              "provisioned",
		Value:            "true",
		ClientAddressKey: "allowed_from",
	}, db)
	require.NoError(t, err)

	req := &Request{Protocol: "http", Method: "POST", Path: "/provisioned/host", ClientAddress: "198.51.100.9"}
	_, err = h.Handle(context.Background(), req)
	var denied *verror.AccessDenied
	assert.ErrorAs(t, err, &denied)
}

func TestNewSQLiteUpdateHandlerRejectsMissingKey(t *testing.T) {
	db := openTestDB(t)
	_, err := NewSQLiteUpdateHandler(SQLiteUpdateConfig{
		Name:        "bad",
		RequestPath: "/x",
		Action:      ActionSetValue,
	}, db)
	assert.Error(t, err)
}
