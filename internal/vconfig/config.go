/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package vconfig loads and validates Vinegar's top-level YAML
// configuration document, following ingest/config's overall shape of a
// Verify()-then-use config object; validation stops at the first problem,
// which Load returns wrapped in a ConfigError. Parsing itself uses
// gopkg.in/yaml.v3, already carried for yaml_target.
package vconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kit-ibpt/vinegar/internal/transform"
	"github.com/kit-ibpt/vinegar/internal/verror"
)

// Document is the raw top-level YAML shape.
type Document struct {
	DataSources           []SourceDoc  `yaml:"data_sources"`
	DataSourcesMergeLists bool         `yaml:"data_sources_merge_lists"`
	HTTP                  ListenerDoc  `yaml:"http"`
	TFTP                  ListenerDoc  `yaml:"tftp"`
	LoggingConfigFile     string       `yaml:"logging_config_file"`
	LoggingLevel          string       `yaml:"logging_level"`
}

// SourceDoc is one entry of data_sources: discriminated by Name against
// the fixed source-type vocabulary ("text_file", "yaml_target",
// "sqlite"), carrying every field any of the three might use.
type SourceDoc struct {
	Name string `yaml:"name"`

	// text_file
	Path              string         `yaml:"path"`
	Pattern           string         `yaml:"pattern"`
	IgnorePattern     string         `yaml:"ignore_pattern"`
	SystemIDSource    string         `yaml:"system_id_source"`
	SystemIDTransform []TransformDoc `yaml:"system_id_transform"`
	Variables         []VariableDoc  `yaml:"variables"`

	// yaml_target
	RootDir string `yaml:"root_dir"`
	TopFile string `yaml:"top_file"`

	// sqlite
	DBFile            string `yaml:"db_file"`
	KeyPrefix         string `yaml:"key_prefix"`
	FindSystemEnabled bool   `yaml:"find_system_enabled"`
}

// VariableDoc is one entry of a text_file source's "variables" list.
type VariableDoc struct {
	Source    string         `yaml:"source"`
	Key       string         `yaml:"key"`
	Transform []TransformDoc `yaml:"transform"`
}

// TransformDoc is a single transform chain step. YAML allows either a
// bare scalar ("mac_address.normalize") or a single-key mapping
// ("string.add_prefix": "eth0-") carrying one argument; UnmarshalYAML
// below normalizes both forms.
type TransformDoc struct {
	Name string
	Args []string
}

func (t *TransformDoc) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&t.Name)
	case yaml.MappingNode:
		if len(value.Content) != 2 {
			return fmt.Errorf("transform step mapping must have exactly one key")
		}
		if err := value.Content[0].Decode(&t.Name); err != nil {
			return err
		}
		var arg string
		if err := value.Content[1].Decode(&arg); err == nil {
			t.Args = []string{arg}
			return nil
		}
		var args []string
		if err := value.Content[1].Decode(&args); err != nil {
			return fmt.Errorf("transform step %q: argument must be a scalar or list", t.Name)
		}
		t.Args = args
		return nil
	default:
		return fmt.Errorf("transform step must be a scalar or single-key mapping")
	}
}

func toChain(docs []TransformDoc) transform.Chain {
	chain := make(transform.Chain, 0, len(docs))
	for _, d := range docs {
		chain = append(chain, transform.Step{Name: d.Name, Args: d.Args})
	}
	return chain
}

// ListenerDoc is the shared shape of the http and tftp blocks.
type ListenerDoc struct {
	BindAddress       string            `yaml:"bind_address"`
	BindPort          int               `yaml:"bind_port"`
	MaxConnections    int               `yaml:"max_connections"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	MaxBodyBytes      int64             `yaml:"max_body_bytes"`
	RequestHandlers   []HandlerDoc      `yaml:"request_handlers"`
}

// HandlerDoc is one entry of a request_handlers list, discriminated by
// Name against "file" and "sqlite_update".
type HandlerDoc struct {
	Name string `yaml:"name"`

	// file
	RequestPath           string         `yaml:"request_path"`
	RootDir               string         `yaml:"root_dir"`
	LookupKey             string         `yaml:"lookup_key"`
	LookupValueTransform  []TransformDoc `yaml:"lookup_value_transform"`
	Template              string         `yaml:"template"`
	DataSourceErrorAction string         `yaml:"data_source_error_action"`
	LookupNoResultAction  string         `yaml:"lookup_no_result_action"`
	FileSuffix            string         `yaml:"file_suffix"`

	// sqlite_update
	DBFile string `yaml:"db_file"`
	Action string `yaml:"action"`
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`

	// shared access control, unioned from both fields
	ClientAddressKey  string   `yaml:"client_address_key"`
	ClientAddressList []string `yaml:"client_address_list"`
}

// Load reads and parses path, returning a *verror.ConfigError on any
// failure so callers can treat every load error uniformly.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &verror.ConfigError{Path: path, Err: err}
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &verror.ConfigError{Path: path, Err: err}
	}
	if err := doc.validate(); err != nil {
		return nil, &verror.ConfigError{Path: path, Err: err}
	}
	return &doc, nil
}

func (d *Document) validate() error {
	if len(d.DataSources) == 0 {
		return fmt.Errorf("data_sources must not be empty")
	}
	for i, src := range d.DataSources {
		if src.Name == "" {
			return fmt.Errorf("data_sources[%d]: name is required", i)
		}
	}
	if d.HTTP.BindAddress == "" {
		d.HTTP.BindAddress = "::"
	}
	if d.HTTP.BindPort == 0 {
		d.HTTP.BindPort = 80
	}
	if d.TFTP.BindAddress == "" {
		d.TFTP.BindAddress = "::"
	}
	if d.TFTP.BindPort == 0 {
		d.TFTP.BindPort = 69
	}
	for i, h := range d.HTTP.RequestHandlers {
		if h.Name == "" {
			return fmt.Errorf("http.request_handlers[%d]: name is required", i)
		}
	}
	for i, h := range d.TFTP.RequestHandlers {
		if h.Name == "" {
			return fmt.Errorf("tftp.request_handlers[%d]: name is required", i)
		}
	}
	return nil
}
