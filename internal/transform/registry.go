/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package transform implements Vinegar's transform registry: a process-wide mapping from dotted name to a pure, chainable
// function operating on a single vtree.Value. Populated once at startup
// from the builtins table, read-only thereafter — the only process-wide
// mutable state besides the handler pipeline.
package transform

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	"github.com/kit-ibpt/vinegar/internal/verror"
	"github.com/kit-ibpt/vinegar/internal/vtree"
)

// Func is a single transform step. args are the raw string arguments given
// in config (e.g. the `p` in string.add_prefix(p)); most transforms ignore
// args beyond the first one or two.
type Func func(v vtree.Value, args []string) (vtree.Value, error)

// Step is one element of a Chain: a function name plus its arguments, as
// parsed from either a bare string or a single-entry mapping in config.
type Step struct {
	Name string
	Args []string
}

// Chain is an ordered sequence of transform steps, applied left to right.
type Chain []Step

// Registry is a lookup table from dotted name to Func. The zero value is
// usable; NewRegistry pre-populates it with the required built-ins.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a registry pre-populated with every built-in
// transform, plus the bonus `string.slugify`.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func, 32)}
	r.register(builtins())
	return r
}

func (r *Registry) register(m map[string]Func) {
	for name, fn := range m {
		r.funcs[name] = fn
	}
}

// Register adds or overrides a named transform function. Used by tests and
// by embedders that want to extend the registry beyond the built-ins.
func (r *Registry) Register(name string, fn Func) {
	if r.funcs == nil {
		r.funcs = make(map[string]Func)
	}
	r.funcs[name] = fn
}

// Lookup returns the function named by name, or a ConfigError if it is not
// registered — validated at config-load time.
func (r *Registry) Lookup(name string) (Func, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, &verror.ConfigError{Err: fmt.Errorf("unknown transform %q", name)}
	}
	return fn, nil
}

// Validate checks that every step in chain names a registered function,
// without executing anything. Configuration loading calls this eagerly so
// that a typo'd transform name fails at startup, not on first request.
func (r *Registry) Validate(chain Chain) error {
	for _, step := range chain {
		if _, err := r.Lookup(step.Name); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs the chain left to right against v, replacing the value at
// each step. An input-value error (e.g. not-a-MAC-address) is returned as
// a plain error for the caller to propagate as a value error; an
// unregistered name is a ConfigError (should have been caught by Validate
// already, but Apply re-checks defensively).
func (r *Registry) Apply(chain Chain, v vtree.Value) (vtree.Value, error) {
	cur := v
	for _, step := range chain {
		fn, err := r.Lookup(step.Name)
		if err != nil {
			return vtree.Absent, err
		}
		cur, err = fn(cur, step.Args)
		if err != nil {
			return vtree.Absent, fmt.Errorf("transform %q: %w", step.Name, err)
		}
	}
	return cur, nil
}

// ParseChainNative parses the YAML shape of a transform chain: a sequence
// whose elements are either bare strings or single-key mappings of
// name -> args (args being a scalar or a sequence of scalars).
func ParseChainNative(raw interface{}) (Chain, error) {
	items, ok := raw.([]interface{})
	if !ok {
		if raw == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("transform chain must be a sequence, got %T", raw)
	}
	chain := make(Chain, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			chain = append(chain, Step{Name: t})
		case map[string]interface{}:
			if len(t) != 1 {
				return nil, fmt.Errorf("transform entry must have exactly one key, got %d", len(t))
			}
			for name, argsRaw := range t {
				chain = append(chain, Step{Name: name, Args: toArgStrings(argsRaw)})
			}
		case map[interface{}]interface{}:
			if len(t) != 1 {
				return nil, fmt.Errorf("transform entry must have exactly one key, got %d", len(t))
			}
			for name, argsRaw := range t {
				chain = append(chain, Step{Name: fmt.Sprintf("%v", name), Args: toArgStrings(argsRaw)})
			}
		default:
			return nil, fmt.Errorf("unsupported transform entry type %T", item)
		}
	}
	return chain, nil
}

func toArgStrings(raw interface{}) []string {
	switch t := raw.(type) {
	case nil:
		return nil
	case []interface{}:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = fmt.Sprintf("%v", e)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}

func requireString(v vtree.Value) (string, error) {
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("value is not string-convertible")
	}
	return s, nil
}

func builtins() map[string]Func {
	return map[string]Func{
		"string.to_lower":      stringToLower,
		"string.to_upper":      stringToUpper,
		"string.add_prefix":    stringAddPrefix,
		"string.add_suffix":    stringAddSuffix,
		"string.remove_prefix": stringRemovePrefix,
		"string.remove_suffix": stringRemoveSuffix,
		"string.split":         stringSplit,
		"string.slugify":       stringSlugify,

		"mac_address.normalize": macAddressNormalize,

		"ipv4_address.normalize": ipv4AddressNormalize,

		"ip_address.normalize": ipAddressNormalize,
		"ip_address.network":   ipAddressNetwork,
		"ip_address.host":      ipAddressHost,
	}
}

func stringToLower(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	return vtree.String(strings.ToLower(s)), nil
}

func stringToUpper(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	return vtree.String(strings.ToUpper(s)), nil
}

func stringAddPrefix(v vtree.Value, args []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	if len(args) < 1 {
		return vtree.Absent, fmt.Errorf("string.add_prefix requires a prefix argument")
	}
	return vtree.String(args[0] + s), nil
}

func stringAddSuffix(v vtree.Value, args []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	if len(args) < 1 {
		return vtree.Absent, fmt.Errorf("string.add_suffix requires a suffix argument")
	}
	return vtree.String(s + args[0]), nil
}

func stringRemovePrefix(v vtree.Value, args []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	if len(args) < 1 {
		return vtree.Absent, fmt.Errorf("string.remove_prefix requires a prefix argument")
	}
	return vtree.String(strings.TrimPrefix(s, args[0])), nil
}

func stringRemoveSuffix(v vtree.Value, args []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	if len(args) < 1 {
		return vtree.Absent, fmt.Errorf("string.remove_suffix requires a suffix argument")
	}
	return vtree.String(strings.TrimSuffix(s, args[0])), nil
}

// stringSplit implements string.split(sep, maxsplit=-1). It returns the
// full split sequence as a Sequence value (e.g. feeding a "variables"
// projection straight into a list); further string.* transforms in the
// same chain fail on it, since a Sequence is not string-convertible.
func stringSplit(v vtree.Value, args []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	if len(args) < 1 {
		return vtree.Absent, fmt.Errorf("string.split requires a separator argument")
	}
	sep := args[0]
	maxsplit := -1
	if len(args) >= 2 {
		n, perr := strconv.Atoi(args[1])
		if perr != nil {
			return vtree.Absent, fmt.Errorf("string.split maxsplit must be an integer: %w", perr)
		}
		maxsplit = n
	}
	var parts []string
	if maxsplit < 0 {
		parts = strings.Split(s, sep)
	} else {
		parts = strings.SplitN(s, sep, maxsplit+1)
	}
	seq := make([]vtree.Value, len(parts))
	for i, p := range parts {
		seq[i] = vtree.String(p)
	}
	return vtree.Sequence(seq), nil
}

func stringSlugify(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	return vtree.String(slug.Make(s)), nil
}

// macAddressNormalize accepts "02:aB:Cd:EF:01:02", "02-ab-cd-ef-01-02", and
// "02aB.CdEF.0102" style input and returns canonical lowercase
// colon-separated form. Fails for anything that does not decode to exactly
// 48 bits.
func macAddressNormalize(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	hexDigits := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '.':
			return -1
		}
		return r
	}, s)
	if len(hexDigits) != 12 {
		return vtree.Absent, fmt.Errorf("mac_address.normalize: %q is not a 48-bit MAC address", s)
	}
	for _, r := range hexDigits {
		if !isHexDigit(r) {
			return vtree.Absent, fmt.Errorf("mac_address.normalize: %q contains non-hex digits", s)
		}
	}
	hexDigits = strings.ToLower(hexDigits)
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexDigits[i : i+2])
	}
	return vtree.String(b.String()), nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// ipv4AddressNormalize accepts textual IPv4, optionally with a "/n" mask,
// and returns the canonical dotted-quad with the mask preserved if given.
func ipv4AddressNormalize(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	addrPart, maskPart, hasMask := strings.Cut(s, "/")
	ip := net.ParseIP(addrPart)
	if ip == nil || ip.To4() == nil {
		return vtree.Absent, fmt.Errorf("ipv4_address.normalize: %q is not a valid IPv4 address", s)
	}
	out := ip.To4().String()
	if hasMask {
		out = out + "/" + maskPart
	}
	return vtree.String(out), nil
}

// ipAddressNormalize accepts IPv4 or IPv6, optionally masked, and
// normalizes the address; the mask text after "/" is kept as given.
func ipAddressNormalize(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	addrPart, maskPart, hasMask := strings.Cut(s, "/")
	ip := net.ParseIP(addrPart)
	if ip == nil {
		return vtree.Absent, fmt.Errorf("ip_address.normalize: %q is not a valid IP address", s)
	}
	out := ip.String()
	if hasMask {
		out = out + "/" + maskPart
	}
	return vtree.String(out), nil
}

// ipAddressNetwork extracts the network portion of a masked IP, e.g.
// "192.0.2.17/24" -> "192.0.2.0/24".
func ipAddressNetwork(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	_, ipnet, perr := net.ParseCIDR(s)
	if perr != nil {
		return vtree.Absent, fmt.Errorf("ip_address.network: %q is not a masked IP address: %w", s, perr)
	}
	return vtree.String(ipnet.String()), nil
}

// ipAddressHost extracts the host portion of a masked IP, dropping the
// mask, e.g. "192.0.2.17/24" -> "192.0.2.17".
func ipAddressHost(v vtree.Value, _ []string) (vtree.Value, error) {
	s, err := requireString(v)
	if err != nil {
		return vtree.Absent, err
	}
	addrPart, _, hasMask := strings.Cut(s, "/")
	ip := net.ParseIP(addrPart)
	if ip == nil {
		return vtree.Absent, fmt.Errorf("ip_address.host: %q is not a valid IP address", s)
	}
	if !hasMask {
		return vtree.String(ip.String()), nil
	}
	return vtree.String(ip.String()), nil
}
