package models

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
)

// Part types
const (
	PartText  = "text"
	PartFile  = "file"
	PartImage = "image"
)

// Part is one typed fragment of a message body
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// EncodeParts serializes parts for storage
func EncodeParts(parts []Part) datatypes.JSON {
	if parts == nil {
		parts = []Part{}
	}
	b, _ := json.Marshal(parts)
	return datatypes.JSON(b)
}

// TextParts builds a single text part
func TextParts(text string) datatypes.JSON {
	return EncodeParts([]Part{{Type: PartText, Text: text}})
}

// PartsText concatenates the text of every text part in raw, joined by sep.
// Malformed JSON and parts of other types contribute nothing.
func PartsText(raw []byte, sep string) string {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return ""
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return ""
	}

	var texts []string
	doc.ForEach(func(_, part gjson.Result) bool {
		if part.IsObject() && part.Get("type").String() == PartText {
			texts = append(texts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(texts, sep)
}

// AppendText appends text to the last text part of raw, adding a text part
// when none exists. Other parts are preserved as stored.
func AppendText(raw []byte, text string) datatypes.JSON {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		parts = nil
	}

	last := -1
	for i, p := range parts {
		if gjson.GetBytes(p, "type").String() == PartText {
			last = i
		}
	}

	if last < 0 {
		b, _ := json.Marshal(Part{Type: PartText, Text: text})
		parts = append(parts, b)
	} else {
		var p Part
		_ = json.Unmarshal(parts[last], &p)
		p.Text += text
		b, _ := json.Marshal(p)
		parts[last] = b
	}

	out, _ := json.Marshal(parts)
	return datatypes.JSON(out)
}
