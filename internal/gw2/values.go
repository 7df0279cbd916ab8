package gw2

import (
	"bytes"
	"encoding/json"
)

// Helpers turning decoded fields into column values. Absent or empty
// values become SQL NULL.

func optString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// nonZero treats zero like an absent value.
func nonZero(p *int64) any {
	if p == nil || *p == 0 {
		return nil
	}
	return *p
}

func optStrings(s []string) any {
	if len(s) == 0 {
		return nil
	}
	return s
}

// optJSON keeps a raw JSON value unless it is missing, null or empty.
func optJSON(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0,
		bytes.Equal(trimmed, []byte("null")),
		bytes.Equal(trimmed, []byte("[]")),
		bytes.Equal(trimmed, []byte("{}")):
		return nil
	}
	return json.RawMessage(bytes.Clone(trimmed))
}

func hasFlag(flags []string, names ...string) bool {
	for _, f := range flags {
		for _, name := range names {
			if f == name {
				return true
			}
		}
	}
	return false
}
