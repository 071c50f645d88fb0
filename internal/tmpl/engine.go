/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tmpl defines Vinegar's template-engine adapter: a
// narrow capability contract any template engine can satisfy, plus one
// bundled implementation backed by the embedded-scripting engine
// github.com/open2b/scriggo (see ingest/processors/plugin/plugin.go),
// repurposed here from a Go-script sandbox into a text-templating target.
package tmpl

import "context"

// RenderContext is the variable scope exposed to a template:
// {id, data, request_info}. ID is the empty string
// (and IDAbsent true) when the request path didn't identify a system and
// the handler's lookup_no_result_action was "continue" -- templates must
// tolerate that, never treating it as an error.
type RenderContext struct {
	ID          string
	IDAbsent    bool
	Data        interface{} // vtree.Value.Native() of the merged data tree
	RequestInfo RequestInfo
}

// RequestInfo is the subset of an inbound request exposed to templates.
type RequestInfo struct {
	Protocol      string // "http" or "tftp"
	Method        string
	Path          string
	ClientAddress string
	Host          string // HTTP Host header, recorded but never used for routing
}

// Engine is the capability contract every template engine satisfies. It
// is a contract, not an inheritance hierarchy: the bundled engine and
// any future pluggable engine both implement exactly this.
type Engine interface {
	// Render executes the template at templatePath against ctx and
	// returns the rendered bytes. Rendering errors are returned as
	// *verror.TemplateError with path/location filled in.
	Render(ctx context.Context, templatePath string, rc RenderContext) ([]byte, error)

	// ResolveDependencies returns every template file templatePath
	// transitively includes/extends, for reload/invalidation purposes.
	ResolveDependencies(templatePath string) ([]string, error)
}
