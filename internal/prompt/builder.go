// Package prompt splices an image placeholder into a tokenized chat prompt.
package prompt

import (
	"log"
	"strings"

	"MealLens/internal/chattemplate"
)

const (
	// Placeholder marks where the image goes in the rendered prompt.
	Placeholder = "<image>"
	// ImageTokenIndex is the sentinel id the model server replaces with
	// image features. It is outside every vocabulary.
	ImageTokenIndex int32 = -200
)

// Encoder tokenizes text.
type Encoder interface {
	Encode(s string, addSpecial bool) []int32
}

// Renderer applies a chat template.
type Renderer interface {
	Render(messages []chattemplate.Message, addGenerationPrompt bool) (string, error)
}

// Parts is a tokenized prompt with exactly one image slot between Prefix
// and Suffix.
type Parts struct {
	Prefix []int32
	Image  int32
	Suffix []int32
}

// InputIDs returns prefix, image sentinel and suffix in order.
func (p Parts) InputIDs() []int32 {
	ids := make([]int32, 0, p.Len())
	ids = append(ids, p.Prefix...)
	ids = append(ids, p.Image)
	return append(ids, p.Suffix...)
}

// AttentionMask is all ones over InputIDs.
func (p Parts) AttentionMask() []int32 {
	mask := make([]int32, p.Len())
	for i := range mask {
		mask[i] = 1
	}
	return mask
}

// Len is the full input length including the image slot.
func (p Parts) Len() int {
	return len(p.Prefix) + 1 + len(p.Suffix)
}

// Builder turns an instruction into Parts.
type Builder struct {
	enc   Encoder
	tmpl  Renderer
	image int32
}

// NewBuilder returns a builder. tmpl may be nil, in which case every prompt
// uses the untemplated layout. A zero imageToken selects ImageTokenIndex.
func NewBuilder(enc Encoder, tmpl Renderer, imageToken int32) *Builder {
	if imageToken == 0 {
		imageToken = ImageTokenIndex
	}
	return &Builder{enc: enc, tmpl: tmpl, image: imageToken}
}

// Text returns the prompt text around the image slot. templated is false
// when the untemplated layout was used.
func (b *Builder) Text(instruction string) (prefix, suffix string, templated bool) {
	content := Placeholder + "\n" + instruction
	if b.tmpl == nil {
		return "", content, false
	}

	rendered, err := b.tmpl.Render([]chattemplate.Message{{Role: "user", Content: content}}, true)
	if err != nil {
		log.Printf("prompt: chat template failed, using plain prompt: %v", err)
		return "", content, false
	}
	before, after, found := strings.Cut(rendered, Placeholder)
	if !found {
		log.Printf("prompt: chat template dropped the image placeholder, using plain prompt")
		return "", content, false
	}
	return before, after, true
}

// Build tokenizes the prompt for instruction. Prefix and suffix are encoded
// independently without BOS insertion; special tokens already present in
// the rendered text still map to their ids.
func (b *Builder) Build(instruction string) Parts {
	prefix, suffix, _ := b.Text(instruction)
	return Parts{
		Prefix: b.encode(prefix),
		Image:  b.image,
		Suffix: b.encode(suffix),
	}
}

func (b *Builder) encode(s string) []int32 {
	if s == "" {
		return []int32{}
	}
	return b.enc.Encode(s, false)
}
