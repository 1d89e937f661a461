// Package tokenizer implements the byte-level BPE tokenizers shipped as
// tokenizer.json alongside Hugging Face style model checkpoints.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// ErrNoTokenizer is returned when a model directory has no tokenizer.json.
var ErrNoTokenizer = errors.New("tokenizer: tokenizer.json not found")

// gpt2Pattern is the ByteLevel pre-tokenizer default when tokenizer.json
// does not carry its own Split regex.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// AddedToken is an entry of tokenizer.json's added_tokens list.
type AddedToken struct {
	ID      int32  `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// Vocabulary holds the id/string tables and BPE merge ranks.
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
	Merges  map[string]int

	BOS    int32
	EOS    int32
	PAD    int32
	AddBOS bool

	byteTokens [256]int32
}

// Tokenizer encodes text to token ids and back. It is immutable after Load
// and safe for concurrent use.
type Tokenizer struct {
	vocab        *Vocabulary
	added        map[string]int32
	addedSorted  []string
	special      map[int32]bool
	addedByID    map[int32]string
	pretokenizer *regexp2.Regexp
	nfc          bool
	config       Config
}

type tokenizerFile struct {
	Model struct {
		Type   string           `json:"type"`
		Vocab  map[string]int32 `json:"vocab"`
		Merges json.RawMessage  `json:"merges"`
	} `json:"model"`
	Normalizer   json.RawMessage `json:"normalizer"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	AddedTokens  []AddedToken    `json:"added_tokens"`
}

// Load reads tokenizer.json plus the companion tokenizer_config.json,
// generation_config.json and config.json from dir.
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoTokenizer, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read tokenizer.json: %w", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	t, err := Parse(data, cfg)
	if err != nil {
		return nil, err
	}
	t.resolveEOS(dir)
	return t, nil
}

// Parse builds a tokenizer from tokenizer.json bytes and an already loaded
// tokenizer_config.json.
func Parse(data []byte, cfg Config) (*Tokenizer, error) {
	var raw tokenizerFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tokenizer: parse tokenizer.json: %w", err)
	}
	if raw.Model.Type != "" && raw.Model.Type != "BPE" {
		return nil, fmt.Errorf("tokenizer: model type %q not supported", raw.Model.Type)
	}

	merges, err := parseMerges(raw.Model.Merges)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		vocab: &Vocabulary{
			Values:  make([]string, len(raw.Model.Vocab)),
			Reverse: raw.Model.Vocab,
			Merges:  make(map[string]int, len(merges)),
			BOS:     -1,
			EOS:     -1,
			PAD:     -1,
		},
		added:     make(map[string]int32, len(raw.AddedTokens)),
		special:   make(map[int32]bool),
		addedByID: make(map[int32]string, len(raw.AddedTokens)),
		nfc:       hasNFC(raw.Normalizer),
		config:    cfg,
	}
	if t.vocab.Reverse == nil {
		t.vocab.Reverse = make(map[string]int32)
	}

	for token, id := range t.vocab.Reverse {
		t.growValues(id)
		t.vocab.Values[id] = token
	}
	for i, m := range merges {
		t.vocab.Merges[m] = i
	}
	for _, tok := range raw.AddedTokens {
		t.growValues(tok.ID)
		t.vocab.Values[tok.ID] = tok.Content
		t.added[tok.Content] = tok.ID
		t.addedByID[tok.ID] = tok.Content
		if tok.Special {
			t.special[tok.ID] = true
		}
	}

	t.addedSorted = make([]string, 0, len(t.added))
	for s := range t.added {
		t.addedSorted = append(t.addedSorted, s)
	}
	sort.Slice(t.addedSorted, func(i, j int) bool {
		if len(t.addedSorted[i]) != len(t.addedSorted[j]) {
			return len(t.addedSorted[i]) > len(t.addedSorted[j])
		}
		return t.addedSorted[i] < t.addedSorted[j]
	})

	for i := range t.vocab.byteTokens {
		t.vocab.byteTokens[i] = -1
	}
	for b := 0; b < 256; b++ {
		if id, ok := t.vocab.Reverse[fmt.Sprintf("<0x%02X>", b)]; ok {
			t.vocab.byteTokens[b] = id
		}
	}

	pattern := extractPretokenizer(raw.PreTokenizer)
	if pattern == "" {
		pattern = gpt2Pattern
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: compile pretokenizer %q: %w", pattern, err)
	}
	t.pretokenizer = re

	if id, ok := t.lookup(cfg.EOSToken); ok {
		t.vocab.EOS = id
	}
	if id, ok := t.lookup(cfg.BOSToken); ok {
		t.vocab.BOS = id
	}
	if id, ok := t.lookup(cfg.PADToken); ok {
		t.vocab.PAD = id
	}
	t.vocab.AddBOS = cfg.AddBOSToken

	return t, nil
}

func (t *Tokenizer) growValues(id int32) {
	if int(id) >= len(t.vocab.Values) {
		values := make([]string, id+1)
		copy(values, t.vocab.Values)
		t.vocab.Values = values
	}
}

func (t *Tokenizer) lookup(token string) (int32, bool) {
	if token == "" {
		return 0, false
	}
	if id, ok := t.added[token]; ok {
		return id, true
	}
	id, ok := t.vocab.Reverse[token]
	return id, ok
}

// resolveEOS falls back to eos_token_id from generation_config.json and then
// config.json when tokenizer_config.json names no usable eos_token.
func (t *Tokenizer) resolveEOS(dir string) {
	if t.vocab.EOS >= 0 {
		return
	}
	for _, name := range []string{"generation_config.json", "config.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var cfg struct {
			EOSTokenID any `json:"eos_token_id"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		if ids := parseTokenIDs(cfg.EOSTokenID); len(ids) > 0 {
			t.vocab.EOS = ids[0]
			return
		}
	}
}

// EOS returns the end-of-sequence id, or -1 when the model defines none.
func (t *Tokenizer) EOS() int32 {
	return t.vocab.EOS
}

// VocabSize is the number of addressable ids, added tokens included.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab.Values)
}

// IsSpecial reports whether id is an added token flagged special.
func (t *Tokenizer) IsSpecial(id int32) bool {
	return t.special[id]
}

// Config returns the parsed tokenizer_config.json.
func (t *Tokenizer) Config() Config {
	return t.config
}

// Encode tokenizes s. Added tokens present in s are always matched to their
// ids; addSpecial only controls whether a BOS token is prepended.
func (t *Tokenizer) Encode(s string, addSpecial bool) []int32 {
	var ids []int32
	if addSpecial && t.vocab.AddBOS && t.vocab.BOS >= 0 {
		ids = append(ids, t.vocab.BOS)
	}

	for _, part := range t.splitAdded(s) {
		if id, ok := t.added[part]; ok {
			ids = append(ids, id)
			continue
		}
		if t.nfc {
			part = norm.NFC.String(part)
		}
		for _, chunk := range t.pretokenize(part) {
			ids = t.encodeChunk(chunk, ids)
		}
	}
	return ids
}

// splitAdded cuts s around added tokens, longest match first.
func (t *Tokenizer) splitAdded(s string) []string {
	if len(t.addedSorted) == 0 || s == "" {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var parts []string
	remaining := s
	for len(remaining) > 0 {
		matched := false
		for _, tok := range t.addedSorted {
			if strings.HasPrefix(remaining, tok) {
				parts = append(parts, tok)
				remaining = remaining[len(tok):]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		next := len(remaining)
		for _, tok := range t.addedSorted {
			if idx := strings.Index(remaining, tok); idx > 0 && idx < next {
				next = idx
			}
		}
		parts = append(parts, remaining[:next])
		remaining = remaining[next:]
	}
	return parts
}

func (t *Tokenizer) pretokenize(s string) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	m, err := t.pretokenizer.FindStringMatch(s)
	for err == nil && m != nil {
		if m.Length > 0 {
			chunks = append(chunks, m.String())
		}
		m, err = t.pretokenizer.FindNextMatch(m)
	}
	if err != nil {
		// regexp2 only fails on timeouts, which are disabled.
		return []string{s}
	}
	return chunks
}

// Decode turns ids back into text. Negative ids, ids outside the vocabulary
// and, when skipSpecial is set, special tokens are dropped.
func (t *Tokenizer) Decode(ids []int32, skipSpecial bool) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab.Values) {
			continue
		}
		if t.special[id] && skipSpecial {
			continue
		}
		if content, ok := t.addedByID[id]; ok {
			buf = append(buf, content...)
			continue
		}
		buf = appendByteLevel(buf, t.vocab.Values[id])
	}
	return strings.ToValidUTF8(string(buf), "�")
}

func parseMerges(data json.RawMessage) ([]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var merges []string
	if err := json.Unmarshal(data, &merges); err == nil {
		return merges, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("tokenizer: parse merges: %w", err)
	}
	merges = make([]string, 0, len(pairs))
	for _, p := range pairs {
		if len(p) == 2 {
			merges = append(merges, p[0]+" "+p[1])
		}
	}
	return merges, nil
}

func extractPretokenizer(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	type split struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}
	var pt struct {
		split
		Pretokenizers []split `json:"pretokenizers"`
	}
	if err := json.Unmarshal(data, &pt); err != nil {
		return ""
	}
	if pt.Type == "Split" && pt.Pattern.Regex != "" {
		return pt.Pattern.Regex
	}
	for _, s := range pt.Pretokenizers {
		if s.Type == "Split" && s.Pattern.Regex != "" {
			return s.Pattern.Regex
		}
	}
	return ""
}

func hasNFC(data json.RawMessage) bool {
	if len(data) == 0 {
		return false
	}
	var n struct {
		Type        string `json:"type"`
		Normalizers []struct {
			Type string `json:"type"`
		} `json:"normalizers"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return false
	}
	if n.Type == "NFC" {
		return true
	}
	for _, sub := range n.Normalizers {
		if sub.Type == "NFC" {
			return true
		}
	}
	return false
}
