package transcript

import (
	"fmt"
	"strings"
)

// Roles in the message log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ImageSource is an inline base64 image.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ContentBlock is one element of a message's content.
type ContentBlock struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Source    *ImageSource      `json:"source,omitempty"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Input     map[string]string `json:"input,omitempty"`
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
}

// Message is one turn of the message log, replayed to the model provider on resume.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockToolResult:
			parts = append(parts, b.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// TextMessage builds a message with a single text block followed by images.
func TextMessage(role, text string, images []ContentBlock) Message {
	blocks := make([]ContentBlock, 0, len(images)+1)
	blocks = append(blocks, images...)
	if text != "" || len(blocks) == 0 {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	return Message{Role: role, Content: blocks}
}

// UI event types.
const (
	EventAsk = "ask"
	EventSay = "say"
)

// UIEvent is one presentation-level entry. Ask and Say hold the kind, e.g.
// "followup" or "text".
type UIEvent struct {
	TS      int64    `json:"ts"`
	Type    string   `json:"type"`
	Ask     string   `json:"ask,omitempty"`
	Say     string   `json:"say,omitempty"`
	Text    string   `json:"text,omitempty"`
	Images  []string `json:"images,omitempty"`
	Partial bool     `json:"partial,omitempty"`
}

// ImageBlocks converts data URLs (data:image/png;base64,...) into image blocks.
// Entries that are not base64 data URLs are rejected.
func ImageBlocks(dataURLs []string) ([]ContentBlock, error) {
	out := make([]ContentBlock, 0, len(dataURLs))
	for _, u := range dataURLs {
		rest, ok := strings.CutPrefix(u, "data:")
		if !ok {
			return nil, fmt.Errorf("image is not a data url")
		}
		header, data, ok := strings.Cut(rest, ",")
		if !ok {
			return nil, fmt.Errorf("image data url has no payload")
		}
		mediaType, enc, _ := strings.Cut(header, ";")
		if enc != "base64" || !strings.HasPrefix(mediaType, "image/") {
			return nil, fmt.Errorf("unsupported image encoding %q", header)
		}
		out = append(out, ContentBlock{
			Type:   BlockImage,
			Source: &ImageSource{Type: "base64", MediaType: mediaType, Data: data},
		})
	}
	return out, nil
}
