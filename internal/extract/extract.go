// Package extract recovers a JSON object from free-form model output.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RawResponseLimit caps the raw text echoed back in a parse failure.
const RawResponseLimit = 500

const (
	MsgNoJSON        = "Could not parse JSON from model response"
	MsgModelNotReady = "Model not loaded"
	msgStagePrefix   = "Vision model error: "
)

// ErrNoJSON is reported when no candidate and not the whole text parse as a
// JSON object.
var ErrNoJSON = errors.New(MsgNoJSON)

// candidatePattern matches brace-balanced spans with at most one level of
// nesting. Deeper objects are only recovered through the whole-text parse.
var candidatePattern = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// Record is a nutritional record with the model's key order preserved.
type Record = orderedmap.OrderedMap[string, any]

// Failure is the degraded result shape shared by every error path.
type Failure struct {
	Error       string  `json:"error"`
	RawResponse *string `json:"raw_response,omitempty"`
	Fallback    bool    `json:"fallback"`
}

// Result holds exactly one of Record or Failure. Defaulted names the schema
// fields that were filled in after extraction; it is not serialized.
type Result struct {
	Record    *Record
	Failure   *Failure
	Defaulted []string
}

// Fail builds a failure result carrying msg.
func Fail(msg string) Result {
	return Result{Failure: &Failure{Error: msg, Fallback: true}}
}

// StageError builds the failure reported when a pipeline stage errors.
func StageError(err error) Result {
	return Fail(msgStagePrefix + err.Error())
}

// Failed reports whether r is a failure record.
func (r Result) Failed() bool {
	return r.Failure != nil || r.Record == nil
}

// Get returns a top-level field of the record.
func (r Result) Get(key string) (any, bool) {
	if r.Record == nil {
		return nil, false
	}
	return r.Record.Get(key)
}

// MarshalJSON emits the record with its original key order, or the failure.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}
	if r.Record == nil {
		return json.Marshal(Failure{Error: MsgNoJSON, Fallback: true})
	}
	return json.Marshal(r.Record)
}

// Candidates returns the brace-delimited spans of text, longest first. Spans
// of equal length keep their order of appearance.
func Candidates(text string) []string {
	matches := candidatePattern.FindAllString(text, -1)
	sort.SliceStable(matches, func(i, j int) bool {
		return utf8.RuneCountInString(matches[i]) > utf8.RuneCountInString(matches[j])
	})
	return matches
}

// Extract returns the first candidate that parses as a JSON object, then the
// whole text, and otherwise a failure carrying the first RawResponseLimit
// characters of text.
func Extract(text string) Result {
	for _, c := range Candidates(text) {
		if rec, err := parseObject(c); err == nil {
			return Result{Record: rec}
		}
	}
	if rec, err := parseObject(text); err == nil {
		return Result{Record: rec}
	}
	raw := Truncate(text, RawResponseLimit)
	return Result{Failure: &Failure{
		Error:       MsgNoJSON,
		RawResponse: &raw,
		Fallback:    true,
	}}
}

// parseObject decodes s when it is exactly one JSON object, surrounding
// whitespace allowed.
func parseObject(s string) (*Record, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrNoJSON
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if rest := strings.TrimSpace(trimmed[dec.InputOffset():]); rest != "" {
		return nil, ErrNoJSON
	}

	fields := orderedmap.New[string, json.RawMessage]()
	if err := fields.UnmarshalJSON(raw); err != nil {
		return nil, err
	}

	rec := orderedmap.New[string, any](orderedmap.WithCapacity[string, any](fields.Len()))
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		v, err := decodeValue(pair.Value)
		if err != nil {
			return nil, err
		}
		rec.Set(pair.Key, v)
	}
	return rec, nil
}

// decodeValue keeps numbers as json.Number so integers beyond 2^53 survive
// a round trip unchanged.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
