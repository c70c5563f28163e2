// Package jsonmap decodes a JSON document into a generic map.
package jsonmap

import (
	"encoding/json"
	"io"
	"os"

	"gitlab.com/tozd/go/errors"
)

// ErrParse marks a file whose contents are not a single JSON object.
var ErrParse = errors.Base("malformed json")

// ParseFile reads path and decodes it into a map. Numbers are kept as json.Number.
func ParseFile(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return Decode(f)
}

func Decode(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Errorf("%w: %s", ErrParse, err.Error())
	}
	if m == nil {
		return nil, errors.Errorf("%w: top level value is not an object", ErrParse)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.Errorf("%w: trailing data after object", ErrParse)
	}
	return m, nil
}
