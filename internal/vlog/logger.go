/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vlog is Vinegar's leveled logger, adapted from ingest/log
// (see ingest/log/logging.go): RFC5424 structured envelopes
// (crewjam/rfc5424), one or more io.Writer sinks, level filtering, and a
// Write method so it also satisfies the standard library's io.Writer for
// wiring into net/http or other loggers.
package vlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/google/uuid"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "OFF"
	}
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Daemon | rfc5424.Debug
	case INFO:
		return rfc5424.Daemon | rfc5424.Info
	case WARN:
		return rfc5424.Daemon | rfc5424.Warning
	case ERROR:
		return rfc5424.Daemon | rfc5424.Error
	case CRITICAL:
		return rfc5424.Daemon | rfc5424.Crit
	default:
		return rfc5424.Daemon | rfc5424.Info
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	default:
		return OFF, fmt.Errorf("vlog: unknown level %q", s)
	}
}

// Logger writes RFC5424-framed lines to one or more writers, gated by a
// minimum level. The zero value is not usable; construct with New.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	hostname string
	appname  string
}

// New returns a Logger writing to wtr at level INFO, tagged with the
// current process's hostname and executable name the way
// guessHostnameAppname does in ingest/log.
func New(wtr io.Writer) *Logger {
	host, _ := os.Hostname()
	app := "vinegar"
	if len(os.Args) > 0 {
		app = os.Args[0]
	}
	return &Logger{wtrs: []io.Writer{wtr}, lvl: INFO, hostname: host, appname: app}
}

// AddWriter fans log output out to an additional sink (e.g. a log file in
// addition to stderr).
func (l *Logger) AddWriter(w io.Writer) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.wtrs = append(l.wtrs, w)
}

func (l *Logger) SetLevel(lvl Level) { l.lvl = lvl }
func (l *Logger) GetLevel() Level    { return l.lvl }

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(ERROR, f, args...) }

// Fatalf logs at CRITICAL and terminates the process with the given exit
// code, per the CLI's exit-code contract.
func (l *Logger) Fatalf(code int, f string, args ...interface{}) {
	l.outputf(CRITICAL, f, args...)
	os.Exit(code)
}

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) {
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	msg := fmt.Sprintf(f, args...)
	ts := time.Now()
	b, err := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  trimLength(255, l.hostname),
		AppName:   trimLength(48, l.appname),
		ProcessID: trimLength(128, fmt.Sprintf("%d", os.Getpid())),
		MessageID: trimLength(32, lvl.String()),
		Message:   []byte(msg),
	}.MarshalBinary()
	if err != nil || len(b) == 0 {
		b = []byte(ts.UTC().Format(time.RFC3339) + " " + lvl.String() + " " + msg)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, w := range l.wtrs {
		io.WriteString(w, string(b))
		io.WriteString(w, "\n")
	}
}

// Write implements io.Writer so *Logger can back net/http.Server.ErrorLog
// and similar consumers that want a plain writer.
func (l *Logger) Write(b []byte) (int, error) {
	l.outputf(ERROR, "%s", strings.TrimRight(string(b), "\n"))
	return len(b), nil
}

func trimLength(max int, s string) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// NewCorrelationID returns a fresh identifier for tagging one HTTP
// request or TFTP transfer across its log lines.
func NewCorrelationID() string {
	return uuid.NewString()
}
