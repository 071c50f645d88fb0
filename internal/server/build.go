/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package server wires a parsed vconfig.Document into running
// components and drives their lifecycle, following ingesters/SimpleRelay's
// main() for the overall "build everything, then run until signaled"
// shape, generalized here with golang.org/x/sync/errgroup instead of a
// raw sync.WaitGroup, since Vinegar runs exactly two independently-fallible
// listeners that must shut each other down on first failure.
package server

import (
	"fmt"

	"github.com/kit-ibpt/vinegar/internal/datasource"
	"github.com/kit-ibpt/vinegar/internal/handler"
	"github.com/kit-ibpt/vinegar/internal/httpd"
	"github.com/kit-ibpt/vinegar/internal/store"
	"github.com/kit-ibpt/vinegar/internal/tftpd"
	"github.com/kit-ibpt/vinegar/internal/tmpl"
	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/vconfig"
	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vlog"
)

// App holds every long-lived component built from a config document,
// ready for Run to drive.
type App struct {
	HTTP    *httpd.Server
	TFTP    *tftpd.Server
	Logger  *vlog.Logger
	stores  []*store.Store
	caches  []*datasource.Cache
}

// Build constructs every component named by doc, opening SQLite stores,
// parsing matcher/transform config, and assembling both listeners'
// handler pipelines in declared order. No composite cache is opened: the
// composite is built with a nil Cache, so results are not memoized.
func Build(doc *vconfig.Document, logger *vlog.Logger) (*App, error) {
	app := &App{Logger: logger}
	reg := transform.NewRegistry()
	stores := make(map[string]*store.Store)

	openStore := func(path string) (*store.Store, error) {
		if path == "" {
			return nil, &verror.ConfigError{Err: fmt.Errorf("db_file is required")}
		}
		if s, ok := stores[path]; ok {
			return s, nil
		}
		s, err := store.Open(path)
		if err != nil {
			return nil, &verror.ConfigError{Path: path, Err: err}
		}
		stores[path] = s
		app.stores = append(app.stores, s)
		return s, nil
	}

	sources := make([]datasource.DataSource, 0, len(doc.DataSources))
	for _, sd := range doc.DataSources {
		src, err := buildSource(sd, reg, openStore)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	composite := datasource.NewComposite(sources, nil, doc.DataSourcesMergeLists)

	httpHandlers, err := buildHandlers(doc.HTTP.RequestHandlers, composite, reg, openStore)
	if err != nil {
		return nil, err
	}
	tftpHandlers, err := buildHandlers(doc.TFTP.RequestHandlers, composite, reg, openStore)
	if err != nil {
		return nil, err
	}

	app.HTTP = httpd.New(httpd.Config{
		BindAddress:       doc.HTTP.BindAddress,
		BindPort:          doc.HTTP.BindPort,
		MaxConnections:    doc.HTTP.MaxConnections,
		RequestsPerSecond: doc.HTTP.RequestsPerSecond,
		MaxBodyBytes:      doc.HTTP.MaxBodyBytes,
	}, httpHandlers, logger)

	app.TFTP = tftpd.New(tftpd.Config{
		BindAddress: doc.TFTP.BindAddress,
		BindPort:    doc.TFTP.BindPort,
	}, tftpHandlers, logger)

	return app, nil
}

// Close releases every store and cache Build opened.
func (a *App) Close() {
	for _, s := range a.stores {
		s.Close()
	}
	for _, c := range a.caches {
		c.Close()
	}
}

type storeOpener func(path string) (*store.Store, error)

func buildSource(sd vconfig.SourceDoc, reg *transform.Registry, openStore storeOpener) (datasource.DataSource, error) {
	switch sd.Name {
	case "text_file":
		vars := make([]datasource.VariableSpec, 0, len(sd.Variables))
		for _, v := range sd.Variables {
			vars = append(vars, datasource.VariableSpec{
				Source:    v.Source,
				Key:       v.Key,
				Transform: toChain(v.Transform),
			})
		}
		return datasource.NewTextFile(datasource.TextFileConfig{
			Name:              sourceName(sd, "text_file"),
			Path:              sd.Path,
			Pattern:           sd.Pattern,
			IgnorePattern:     sd.IgnorePattern,
			SystemIDSource:    sd.SystemIDSource,
			SystemIDTransform: toChain(sd.SystemIDTransform),
			Variables:         vars,
		}, reg)
	case "yaml_target":
		engine := tmpl.NewScriggoEngine(sd.RootDir, reg)
		return datasource.NewYAMLTarget(datasource.YAMLTargetConfig{
			Name:    sourceName(sd, "yaml_target"),
			RootDir: sd.RootDir,
			TopFile: sd.TopFile,
		}, engine, reg)
	case "sqlite":
		db, err := openStore(sd.DBFile)
		if err != nil {
			return nil, err
		}
		return datasource.NewSQLite(datasource.SQLiteConfig{
			Name:              sourceName(sd, "sqlite"),
			KeyPrefix:         sd.KeyPrefix,
			FindSystemEnabled: sd.FindSystemEnabled,
		}, db), nil
	default:
		return nil, &verror.ConfigError{Err: fmt.Errorf("unknown data source type %q", sd.Name)}
	}
}

func sourceName(sd vconfig.SourceDoc, kind string) string {
	if sd.Path != "" {
		return kind + ":" + sd.Path
	}
	if sd.RootDir != "" {
		return kind + ":" + sd.RootDir
	}
	if sd.DBFile != "" {
		return kind + ":" + sd.DBFile
	}
	return kind
}

func buildHandlers(docs []vconfig.HandlerDoc, composite *datasource.Composite, reg *transform.Registry, openStore storeOpener) ([]handler.Handler, error) {
	handlers := make([]handler.Handler, 0, len(docs))
	for _, hd := range docs {
		switch hd.Name {
		case "file":
			var engine tmpl.Engine
			if hd.Template != "" {
				engine = tmpl.NewScriggoEngine(hd.RootDir, reg)
			}
			h, err := handler.NewFileHandler(handler.FileConfig{
				Name:                  "file:" + hd.RequestPath,
				RequestPath:           hd.RequestPath,
				RootDir:               hd.RootDir,
				LookupKey:             hd.LookupKey,
				LookupValueTransform:  toChain(hd.LookupValueTransform),
				Template:              hd.Template,
				DataSourceErrorAction: handler.ErrorAction(orDefault(hd.DataSourceErrorAction, "fail")),
				LookupNoResultAction:  handler.NoResultAction(orDefault(hd.LookupNoResultAction, "fail")),
				ClientAddressKey:      hd.ClientAddressKey,
				ClientAddressList:     hd.ClientAddressList,
				FileSuffix:            hd.FileSuffix,
			}, composite, reg, engine, nil)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, h)
		case "sqlite_update":
			db, err := openStore(hd.DBFile)
			if err != nil {
				return nil, err
			}
			h, err := handler.NewSQLiteUpdateHandler(handler.SQLiteUpdateConfig{
				Name:              "sqlite_update:" + hd.RequestPath,
				RequestPath:       hd.RequestPath,
				Action:            handler.UpdateAction(hd.Action),
				Key:               hd.Key,
				Value:             hd.Value,
				ClientAddressKey:  hd.ClientAddressKey,
				ClientAddressList: hd.ClientAddressList,
			}, db)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, h)
		default:
			return nil, &verror.ConfigError{Err: fmt.Errorf("unknown request handler type %q", hd.Name)}
		}
	}
	return handlers, nil
}

func toChain(docs []vconfig.TransformDoc) transform.Chain {
	chain := make(transform.Chain, 0, len(docs))
	for _, d := range docs {
		chain = append(chain, transform.Step{Name: d.Name, Args: d.Args})
	}
	return chain
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
