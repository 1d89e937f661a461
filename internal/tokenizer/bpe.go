package tokenizer

import "strings"

// encodeChunk byte-level encodes one pre-tokenized chunk and appends its
// BPE ids to ids.
func (t *Tokenizer) encodeChunk(s string, ids []int32) []int32 {
	if s == "" {
		return ids
	}

	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteToRune[s[i]])
	}
	encoded := sb.String()

	if id, ok := t.vocab.Reverse[encoded]; ok {
		return append(ids, id)
	}
	return t.merge(encoded, ids)
}

// merge repeatedly joins the adjacent pair with the lowest merge rank.
func (t *Tokenizer) merge(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		best, bestIdx := int(^uint(0)>>1), -1
		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.vocab.Merges[parts[i]+" "+parts[i+1]]; ok && rank < best {
				best, bestIdx = rank, i
			}
		}
		if bestIdx < 0 {
			break
		}
		parts[bestIdx] += parts[bestIdx+1]
		parts = append(parts[:bestIdx+1], parts[bestIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.vocab.Reverse[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, r := range part {
			b, ok := runeToByte[r]
			if !ok {
				continue
			}
			if id := t.vocab.byteTokens[b]; id >= 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
