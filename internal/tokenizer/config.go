package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the subset of tokenizer_config.json the pipeline relies on.
type Config struct {
	BOSToken     string
	EOSToken     string
	PADToken     string
	AddBOSToken  bool
	ChatTemplate string
}

// LoadConfig reads tokenizer_config.json from dir. A missing file yields a
// zero Config.
func LoadConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("tokenizer: read tokenizer_config.json: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes tokenizer_config.json bytes. Token fields may be plain
// strings or {"content": ...} objects; chat_template may be a string or a
// list of named templates, in which case "default" wins.
func ParseConfig(data []byte) (Config, error) {
	var raw struct {
		BOSToken     any             `json:"bos_token"`
		EOSToken     any             `json:"eos_token"`
		PADToken     any             `json:"pad_token"`
		AddBOSToken  *bool           `json:"add_bos_token"`
		ChatTemplate json.RawMessage `json:"chat_template"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("tokenizer: parse tokenizer_config.json: %w", err)
	}

	cfg := Config{
		BOSToken: tokenString(raw.BOSToken),
		EOSToken: tokenString(raw.EOSToken),
		PADToken: tokenString(raw.PADToken),
	}
	if raw.AddBOSToken != nil {
		cfg.AddBOSToken = *raw.AddBOSToken
	}

	if len(raw.ChatTemplate) > 0 {
		var s string
		if err := json.Unmarshal(raw.ChatTemplate, &s); err == nil {
			cfg.ChatTemplate = s
		} else {
			var named []struct {
				Name     string `json:"name"`
				Template string `json:"template"`
			}
			if err := json.Unmarshal(raw.ChatTemplate, &named); err == nil {
				for _, n := range named {
					if n.Name == "default" || cfg.ChatTemplate == "" {
						cfg.ChatTemplate = n.Template
					}
				}
			}
		}
	}
	return cfg, nil
}

func tokenString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["content"].(string); ok {
			return s
		}
	}
	return ""
}

func parseTokenIDs(v any) []int32 {
	switch val := v.(type) {
	case float64:
		return []int32{int32(val)}
	case []any:
		ids := make([]int32, 0, len(val))
		for _, id := range val {
			if f, ok := id.(float64); ok {
				ids = append(ids, int32(f))
			}
		}
		return ids
	}
	return nil
}
