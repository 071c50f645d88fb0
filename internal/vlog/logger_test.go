package vlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevelVariants(t *testing.T) {
	cases := map[string]Level{
		"off":      OFF,
		"DEBUG":    DEBUG,
		"Info":     INFO,
		"warn":     WARN,
		"WARNING":  WARN,
		"error":    ERROR,
		"critical": CRITICAL,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(WARN)

	l.Infof("should not appear")
	l.Warnf("should appear: %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLoggerFansOutToAllWriters(t *testing.T) {
	var a, b bytes.Buffer
	l := New(&a)
	l.AddWriter(&b)
	l.Errorf("boom %s", "here")

	assert.Contains(t, a.String(), "boom here")
	assert.Contains(t, b.String(), "boom here")
}

func TestLoggerWriteSatisfiesIOWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	n, err := l.Write([]byte("from std logger\n"))
	require.NoError(t, err)
	assert.Equal(t, len("from std logger\n"), n)
	assert.True(t, strings.Contains(buf.String(), "from std logger"))
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEqual(t, a, b)
}
