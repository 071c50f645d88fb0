/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Run starts both listeners and blocks until either one fails or the
// process receives SIGINT/SIGTERM, at which point both are asked to
// shut down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.HTTP.ListenAndServe(gctx) })
	g.Go(func() error { return a.TFTP.ListenAndServe(gctx) })

	err := g.Wait()
	a.Close()
	return err
}
