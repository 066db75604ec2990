// Package jsonsnapshot imports a flat JSON object of property-name ->
// decimal-nonce-string pairs, as an external admin tool might dump from a
// registry for debugging, into any registry.Registry. It uses
// github.com/buger/jsonparser for the extraction so that loading a large
// dump doesn't pay for a full unmarshal into an intermediate map before
// the values are even needed (the same low-allocation lookup style the
// teacher repo pulls jsonparser in for).
package jsonsnapshot

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/epochcache/epochcache/registry"
)

// Load parses data (a flat JSON object, e.g. {"widget.count": "14"}) and
// writes every entry into dst via Set. Values may be JSON strings or JSON
// numbers; anything else is skipped. A string that is not a base-10
// integer is written as 0 (Unset) and is not reported as an error. Load
// returns the number of entries written and the first number-decode or
// Set error encountered, if any.
func Load(data []byte, dst registry.Registry) (int, error) {
	var (
		written int
		firstErr error
	)

	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		var (
			raw int64
			err error
		)
		switch dataType {
		case jsonparser.String:
			raw = registry.ParseValue(string(value), 0)
		case jsonparser.Number:
			raw, err = jsonparser.ParseInt(value)
		default:
			return nil
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("jsonsnapshot: key %s: %w", key, err)
			}
			return nil
		}
		if setErr := dst.Set(string(key), raw); setErr != nil {
			if firstErr == nil {
				firstErr = setErr
			}
			return nil
		}
		written++
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("jsonsnapshot: parse: %w", err)
	}
	return written, firstErr
}

// Extract reads a single key out of a snapshot without parsing the rest of
// the document, for callers that only need one property's value (e.g. a
// CLI that inspects one cache key from a large dump).
func Extract(data []byte, name string) (int64, bool) {
	value, dataType, _, err := jsonparser.Get(data, name)
	if err != nil {
		return 0, false
	}
	switch dataType {
	case jsonparser.String:
		return registry.ParseValue(string(value), 0), true
	case jsonparser.Number:
		n, err := jsonparser.ParseInt(value)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
