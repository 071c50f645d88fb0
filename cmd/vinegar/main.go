/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command vinegar is the PXE/network-boot server's entry point: `server
// [--config-file=PATH]`, following ingesters/SimpleRelay/main.go's
// flag.String config-path flag and its pattern of a single fatal-logging
// front door around a long-running server loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kit-ibpt/vinegar/internal/server"
	"github.com/kit-ibpt/vinegar/internal/vconfig"
	"github.com/kit-ibpt/vinegar/internal/vlog"
)

const defaultConfigLoc = "/opt/vinegar/etc/vinegar.conf"

// Exit codes.
const (
	exitClean        = 0
	exitConfigError  = 1
	exitStartupIOErr = 2
	exitRuntimeFatal = 3
)

func main() {
	confLoc := flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	flag.Parse()

	if flag.NArg() > 0 {
		if flag.Arg(0) != "server" {
			fmt.Fprintf(os.Stderr, "usage: %s server [--config-file=PATH]\n", os.Args[0])
			os.Exit(exitConfigError)
		}
		// flag.Parse stops at the subcommand; parse the flags after it.
		flag.CommandLine.Parse(flag.Args()[1:])
	}

	logger := vlog.New(os.Stderr)

	doc, err := vconfig.Load(*confLoc)
	if err != nil {
		logger.Errorf("configuration error: %v", err)
		os.Exit(exitConfigError)
	}

	if doc.LoggingLevel != "" {
		lvl, err := vlog.ParseLevel(doc.LoggingLevel)
		if err != nil {
			logger.Errorf("configuration error: %v", err)
			os.Exit(exitConfigError)
		}
		logger.SetLevel(lvl)
	}
	if doc.LoggingConfigFile != "" {
		f, err := os.OpenFile(doc.LoggingConfigFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Errorf("could not open logging_config_file %s: %v", doc.LoggingConfigFile, err)
			os.Exit(exitStartupIOErr)
		}
		defer f.Close()
		logger.AddWriter(f)
	}

	app, err := server.Build(doc, logger)
	if err != nil {
		logger.Errorf("startup error: %v", err)
		os.Exit(exitConfigError)
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Errorf("fatal: %v", err)
		os.Exit(exitRuntimeFatal)
	}
	os.Exit(exitClean)
}
