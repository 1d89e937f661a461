package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
)

func marshal(t *testing.T, r Result) string {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return string(data)
}

func TestExtractCleanJSON(t *testing.T) {
	in := `{"name":"Oatmeal bowl","score":82,"carbs":54.5,"protein":12,"fats":9,"calories":350,"hydration":40,"advice":"Add nuts.","ingredients":["oats","banana"],"strengths":["fiber"],"improvements":["protein"]}`

	res := Extract(in)
	if res.Failed() {
		t.Fatalf("Extract failed: %+v", res.Failure)
	}
	if got := marshal(t, res); got != in {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", got, in)
	}
}

func TestExtractKeepsKeyOrder(t *testing.T) {
	res := Extract(`{"zeta": 1, "alpha": 2, "mid": {"b": 1}}`)
	if res.Failed() {
		t.Fatal("unexpected failure")
	}
	var keys []string
	for pair := res.Record.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, keys); diff != "" {
		t.Errorf("key order (-want +got):\n%s", diff)
	}
}

func TestExtractPrefersLongestParsable(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "longer parses",
			text: `Sure! Example: {"name": "x"} and the answer: {"name": "Salad", "score": 90, "ingredients": ["kale"]}`,
			want: `{"name":"Salad","score":90,"ingredients":["kale"]}`,
		},
		{
			name: "longer broken, shorter parses",
			text: `{"name": "ok"} then {"name": "broken", "score": 90,, "x": 1}`,
			want: `{"name":"ok"}`,
		},
		{
			name: "one nested level",
			text: `Result: {"name": "Toast", "macros": {"carbs": 30}} done`,
			want: `{"name":"Toast","macros":{"carbs":30}}`,
		},
		{
			name: "equal length keeps first",
			text: `{"a":1} {"b":2}`,
			want: `{"a":1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(tt.text)
			if res.Failed() {
				t.Fatalf("Extract failed: %+v", res.Failure)
			}
			if got := marshal(t, res); got != tt.want {
				t.Errorf("Extract() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractWholeTextFallback(t *testing.T) {
	// The brace inside the string cuts the only candidate short, so just the
	// whole-text parse recovers the object.
	res := Extract(`  {"name": "curly } brace", "score": 70}  `)
	if res.Failed() {
		t.Fatalf("Extract failed: %+v", res.Failure)
	}
	if v, _ := res.Get("name"); v != "curly } brace" {
		t.Errorf("name = %v", v)
	}
}

func TestExtractDeepNestingPicksInnerCandidate(t *testing.T) {
	res := Extract(`{"name": "Bento", "detail": {"rice": {"grams": 150}}}`)
	if res.Failed() {
		t.Fatalf("Extract failed: %+v", res.Failure)
	}
	if got, want := marshal(t, res), `{"rice":{"grams":150}}`; got != want {
		t.Errorf("Extract() = %s, want %s", got, want)
	}
}

func TestExtractFailure(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain prose", "I cannot analyse this image."},
		{"array", `["not", "an", "object"]`},
		{"unbalanced", `{"name": "half`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(tt.text)
			if !res.Failed() || res.Failure == nil {
				t.Fatalf("expected failure, got %s", marshal(t, res))
			}
			if res.Failure.Error != MsgNoJSON || !res.Failure.Fallback {
				t.Errorf("failure = %+v", res.Failure)
			}
		})
	}
}

func TestExtractTruncatesRawResponse(t *testing.T) {
	text := strings.Repeat("é no json here ", 100)
	res := Extract(text)
	if !res.Failed() {
		t.Fatal("expected failure")
	}
	if n := utf8.RuneCountInString(*res.Failure.RawResponse); n != RawResponseLimit {
		t.Errorf("raw_response length = %d, want %d", n, RawResponseLimit)
	}
	if !strings.HasPrefix(text, *res.Failure.RawResponse) {
		t.Error("raw_response is not a prefix of the model text")
	}

	got := marshal(t, res)
	if !strings.HasPrefix(got, `{"error":"Could not parse JSON from model response","raw_response":"`) || !strings.HasSuffix(got, `","fallback":true}`) {
		t.Errorf("failure JSON = %s", got)
	}
}

func TestFailureShapes(t *testing.T) {
	if got, want := marshal(t, Fail(MsgModelNotReady)), `{"error":"Model not loaded","fallback":true}`; got != want {
		t.Errorf("Fail() = %s, want %s", got, want)
	}
	if got, want := marshal(t, StageError(errors.New("boom"))), `{"error":"Vision model error: boom","fallback":true}`; got != want {
		t.Errorf("StageError() = %s, want %s", got, want)
	}
}

func TestCandidatesOrder(t *testing.T) {
	got := Candidates(`{"a":1} text {"bb":22} {"c":3}`)
	want := []string{`{"bb":22}`, `{"a":1}`, `{"c":3}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates (-want +got):\n%s", diff)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestFailureRawResponse(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"empty model text", Extract(""), `{"error":"Could not parse JSON from model response","raw_response":"","fallback":true}`},
		{"whitespace model text", Extract("   "), `{"error":"Could not parse JSON from model response","raw_response":"   ","fallback":true}`},
		{"stage error", StageError(errors.New("boom")), `{"error":"Vision model error: boom","fallback":true}`},
		{"not loaded", Fail(MsgModelNotReady), `{"error":"Model not loaded","fallback":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := marshal(t, tt.res); got != tt.want {
				t.Errorf("marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractKeepsLargeIntegers(t *testing.T) {
	in := `{"calories":12345678901234567890,"carbs":1.50,"score":1e2}`
	res := Extract(in)
	if res.Failed() {
		t.Fatalf("Extract failed: %+v", res.Failure)
	}
	if got := marshal(t, res); got != in {
		t.Errorf("round trip = %s, want %s", got, in)
	}
	if v, _ := res.Get("calories"); v != json.Number("12345678901234567890") {
		t.Errorf("calories = %#v", v)
	}
}
