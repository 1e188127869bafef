// Package event decodes inbound notification payloads into Records.
//
// Producers emit a Python-style dict repr, e.g.
//
//	{'event': 'donation', 'message': 'En hjälte skänkte 50 kr'}
//
// which is turned into JSON by replacing every single quote with a double
// quote before parsing. The replacement is blind: a message that contains
// an apostrophe is corrupted by it. Such payloads either fail to decode or
// decode to a different message. This is a known limitation of the wire
// format and is not worked around here.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for payloads that are not valid JSON after
// normalization or that lack a usable kind.
var ErrMalformed = errors.New("malformed event payload")

// Record is one decoded event.
type Record struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	DefaultKindField = "event"
)

// DefaultMessagePaths covers both deployed payload shapes: a flat
// "message" and a nested "data.message".
var DefaultMessagePaths = []string{"message", "data.message"}

// Decoder turns raw payloads into Records. The zero value uses the
// defaults.
type Decoder struct {
	kindField string
	paths     [][]string
}

// NewDecoder returns a Decoder reading the kind from kindField and the
// message from the first of messagePaths present in the payload. Paths are
// dot separated ("data.message").
func NewDecoder(kindField string, messagePaths ...string) Decoder {
	if kindField == "" {
		kindField = DefaultKindField
	}
	if len(messagePaths) == 0 {
		messagePaths = DefaultMessagePaths
	}
	d := Decoder{kindField: kindField}
	for _, p := range messagePaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d.paths = append(d.paths, strings.Split(p, "."))
	}
	return d
}

// Normalize converts single-quoted quasi-JSON to JSON.
func Normalize(raw string) string {
	return strings.ReplaceAll(raw, "'", `"`)
}

// Decode parses one payload. A missing message is not an error and yields
// an empty Message; a missing or non-string kind is.
func (d Decoder) Decode(raw string) (Record, error) {
	if d.kindField == "" {
		d = NewDecoder("")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(Normalize(raw)), &payload); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, ok := payload[d.kindField].(string)
	if !ok || strings.TrimSpace(kind) == "" {
		return Record{}, fmt.Errorf("%w: missing %q", ErrMalformed, d.kindField)
	}

	rec := Record{Kind: kind}
	for _, path := range d.paths {
		v, found := lookup(payload, path)
		if !found {
			continue
		}
		msg, ok := v.(string)
		if !ok {
			return Record{}, fmt.Errorf("%w: %s is %T, not a string", ErrMalformed, strings.Join(path, "."), v)
		}
		rec.Message = msg
		break
	}
	return rec, nil
}

func lookup(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Encode renders r the way producers put it on the wire: a single-quoted
// flat dict keyed by kindField and "message". Decode(Encode(r)) returns r
// only when neither field contains an apostrophe.
func Encode(r Record, kindField string) string {
	if kindField == "" {
		kindField = DefaultKindField
	}
	return fmt.Sprintf("{%s: %s, %s: %s}",
		singleQuote(kindField), singleQuote(r.Kind),
		singleQuote("message"), singleQuote(r.Message))
}

func singleQuote(s string) string {
	b, _ := json.Marshal(s)
	return "'" + string(b[1:len(b)-1]) + "'"
}
