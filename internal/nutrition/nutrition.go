// Package nutrition gives a typed view over the free-form records the
// model produces.
package nutrition

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"MealLens/internal/extract"
)

// Field names of the nutrition schema, in prompt order.
const (
	FieldName         = "name"
	FieldScore        = "score"
	FieldCarbs        = "carbs"
	FieldProtein      = "protein"
	FieldFats         = "fats"
	FieldCalories     = "calories"
	FieldHydration    = "hydration"
	FieldAdvice       = "advice"
	FieldIngredients  = "ingredients"
	FieldStrengths    = "strengths"
	FieldImprovements = "improvements"
)

// Fields lists every schema field.
var Fields = []string{
	FieldName, FieldScore, FieldCarbs, FieldProtein, FieldFats, FieldCalories,
	FieldHydration, FieldAdvice, FieldIngredients, FieldStrengths, FieldImprovements,
}

// Meal is a normalized nutrition record.
type Meal struct {
	Name         string   `json:"name"`
	Score        int      `json:"score"`
	Carbs        float64  `json:"carbs"`
	Protein      float64  `json:"protein"`
	Fats         float64  `json:"fats"`
	Calories     int      `json:"calories"`
	Hydration    int      `json:"hydration"`
	Advice       string   `json:"advice"`
	Ingredients  []string `json:"ingredients"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

// Defaults is what an empty record normalizes to.
var Defaults = Meal{
	Name:         "Analyzed Meal",
	Score:        75,
	Carbs:        35,
	Protein:      25,
	Fats:         15,
	Calories:     450,
	Hydration:    70,
	Ingredients:  []string{},
	Strengths:    []string{},
	Improvements: []string{},
}

// Normalize reads rec leniently. Numbers may arrive as JSON numbers or as
// strings with units ("35g"); anything unreadable or zero takes the default,
// then scores are clamped to [0,100] and quantities to >= 0.
func Normalize(rec *extract.Record) Meal {
	get := func(key string) any {
		if rec == nil {
			return nil
		}
		v, _ := rec.Get(key)
		return v
	}

	m := Meal{
		Name:         text(get(FieldName), Defaults.Name),
		Score:        clampInt(intOr(get(FieldScore), Defaults.Score), 0, 100),
		Carbs:        math.Max(0, floatOr(get(FieldCarbs), Defaults.Carbs)),
		Protein:      math.Max(0, floatOr(get(FieldProtein), Defaults.Protein)),
		Fats:         math.Max(0, floatOr(get(FieldFats), Defaults.Fats)),
		Calories:     max(0, intOr(get(FieldCalories), Defaults.Calories)),
		Hydration:    clampInt(intOr(get(FieldHydration), Defaults.Hydration), 0, 100),
		Advice:       text(get(FieldAdvice), ""),
		Ingredients:  list(get(FieldIngredients)),
		Strengths:    list(get(FieldStrengths)),
		Improvements: list(get(FieldImprovements)),
	}
	return m
}

// Missing returns the schema fields rec lacks, in schema order.
func Missing(rec *extract.Record) []string {
	var out []string
	for _, f := range Fields {
		if rec == nil {
			out = append(out, f)
			continue
		}
		if _, ok := rec.Get(f); !ok {
			out = append(out, f)
		}
	}
	return out
}

// Complete appends the default value of every missing schema field to rec,
// after the keys the model emitted. It returns the fields it added.
func Complete(rec *extract.Record) []string {
	if rec == nil {
		return nil
	}
	missing := Missing(rec)
	for _, f := range missing {
		rec.Set(f, defaultValue(f))
	}
	return missing
}

func defaultValue(field string) any {
	switch field {
	case FieldName:
		return Defaults.Name
	case FieldScore:
		return Defaults.Score
	case FieldCarbs:
		return Defaults.Carbs
	case FieldProtein:
		return Defaults.Protein
	case FieldFats:
		return Defaults.Fats
	case FieldCalories:
		return Defaults.Calories
	case FieldHydration:
		return Defaults.Hydration
	case FieldAdvice:
		return ""
	}
	return []any{}
}

var (
	leadingInt   = regexp.MustCompile(`^[+-]?\d+`)
	leadingFloat = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)
)

// intOr mirrors parseInt(v) || fallback: a leading integer, truncated, with
// zero and garbage both falling back.
func intOr(v any, fallback int) int {
	var n int
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fallback
		}
		switch x = math.Trunc(x); {
		case x >= math.MaxInt:
			n = math.MaxInt
		case x <= math.MinInt:
			n = math.MinInt
		default:
			n = int(x)
		}
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return fallback
		}
		return intOr(f, fallback)
	case int:
		n = x
	case string:
		s := leadingInt.FindString(strings.TrimSpace(x))
		if s == "" {
			return fallback
		}
		p, err := strconv.Atoi(s)
		if err != nil {
			return fallback
		}
		n = p
	default:
		return fallback
	}
	if n == 0 {
		return fallback
	}
	return n
}

// floatOr mirrors parseFloat(v) || fallback.
func floatOr(v any, fallback float64) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return fallback
		}
		return floatOr(f, fallback)
	case int:
		f = float64(x)
	case string:
		s := leadingFloat.FindString(strings.TrimSpace(x))
		if s == "" {
			return fallback
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fallback
		}
		f = p
	default:
		return fallback
	}
	if f == 0 || math.IsNaN(f) {
		return fallback
	}
	return f
}

func clampInt(v, lo, hi int) int {
	return min(hi, max(lo, v))
}

func text(v any, fallback string) string {
	switch x := v.(type) {
	case nil:
		return fallback
	case string:
		if x == "" {
			return fallback
		}
		return x
	case bool:
		if !x {
			return fallback
		}
	case float64:
		if x == 0 {
			return fallback
		}
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return fallback
		}
	}
	return fmt.Sprint(v)
}

// list accepts an array of anything, or a lone string which becomes a
// one-element list.
func list(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case nil:
			default:
				b, err := json.Marshal(it)
				if err != nil {
					out = append(out, fmt.Sprint(it))
					continue
				}
				out = append(out, string(b))
			}
		}
		return out
	case []string:
		return append([]string{}, x...)
	case string:
		if x != "" {
			return []string{x}
		}
	}
	return []string{}
}
