/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package httpd

import (
	"io"
	"log"
	"os"
	"strconv"

	"github.com/kit-ibpt/vinegar/internal/vlog"
)

func itoa(n int) string     { return strconv.Itoa(n) }
func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

func osOpen(path string) (io.ReadSeekCloser, error) {
	return os.Open(path)
}

// goLogFromVlog adapts a *vlog.Logger (which already implements
// io.Writer) into the standard *log.Logger net/http.Server.ErrorLog
// wants, without net/http needing to know about Vinegar's logger type.
func goLogFromVlog(l *vlog.Logger) *log.Logger {
	return log.New(l, "", 0)
}
