package vtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCompoundKey(t *testing.T) {
	root := FromNative(map[string]interface{}{
		"net": map[string]interface{}{
			"mac_addr": "02:00:00:00:00:01",
		},
		"tags": []interface{}{"a", "b", "c"},
	})

	v := Lookup(root, "net:mac_addr")
	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "02:00:00:00:00:01", s)

	v = Lookup(root, "tags:1")
	s, ok = v.AsString()
	require.True(t, ok)
	assert.Equal(t, "b", s)

	assert.True(t, Lookup(root, "net:missing").IsAbsent())
	assert.True(t, Lookup(root, "tags:99").IsAbsent())
	assert.True(t, Lookup(root, "net:mac_addr:extra").IsAbsent())
}

func TestSetCreatesIntermediateMaps(t *testing.T) {
	root := Set(Absent, "net:mac_addr", String("02:00:00:00:00:01"))
	root = Set(root, "net:ipv4_addr", String("192.0.2.1"))
	root = Set(root, "hostname", String("myhost"))

	assert.Equal(t, mustStr(t, Lookup(root, "net:mac_addr")), "02:00:00:00:00:01")
	assert.Equal(t, mustStr(t, Lookup(root, "net:ipv4_addr")), "192.0.2.1")
	assert.Equal(t, mustStr(t, Lookup(root, "hostname")), "myhost")
}

func TestMergeRecursiveAndScalarLastWins(t *testing.T) {
	base := FromNative(map[string]interface{}{
		"net": map[string]interface{}{
			"hostname": "myhost",
			"mac_addr": "02:00:00:00:00:01",
		},
	})
	overlay := FromNative(map[string]interface{}{
		"net": map[string]interface{}{
			"hostname": "override",
		},
	})
	merged := Merge(base, overlay, false)
	assert.Equal(t, "override", mustStr(t, Lookup(merged, "net:hostname")))
	assert.Equal(t, "02:00:00:00:00:01", mustStr(t, Lookup(merged, "net:mac_addr")))
}

func TestMergeSequenceReplaceByDefaultAppendWhenFlagged(t *testing.T) {
	base := FromNative(map[string]interface{}{"tags": []interface{}{"a", "b"}})
	overlay := FromNative(map[string]interface{}{"tags": []interface{}{"c"}})

	replaced := Merge(base, overlay, false)
	seq, ok := Lookup(replaced, "tags").AsSequence()
	require.True(t, ok)
	assert.Len(t, seq, 1)

	appended := Merge(base, overlay, true)
	seq, ok = Lookup(appended, "tags").AsSequence()
	require.True(t, ok)
	assert.Len(t, seq, 3)
}

func TestAbsentNeverConfusedWithNull(t *testing.T) {
	root := FromNative(map[string]interface{}{"k": nil})
	assert.True(t, Lookup(root, "k").IsNull())
	assert.False(t, Lookup(root, "k").IsAbsent())
	assert.True(t, Lookup(root, "missing").IsAbsent())
	assert.False(t, Lookup(root, "missing").IsNull())
}

func mustStr(t *testing.T, v Value) string {
	t.Helper()
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}
