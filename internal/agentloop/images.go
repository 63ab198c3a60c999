package agentloop

import (
	"encoding/json"
	"strings"

	"github.com/druidia-bot/dotbot/internal/providers"
)

// imageFields are the tool-result JSON fields that carry picture data a
// vision model should see as pixels rather than as a base64 wall in text.
var imageFields = []string{"screenshot_ref", "image_base64"}

// extractImages pulls recognized image fields out of a JSON tool result,
// returning the result with those fields stripped plus the images as
// content blocks for the tool message. Non-JSON results pass through
// untouched.
func extractImages(text string) (string, []providers.ImageContent) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return text, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return text, nil
	}

	var images []providers.ImageContent
	for _, field := range imageFields {
		raw, ok := obj[field].(string)
		if !ok || raw == "" {
			continue
		}
		images = append(images, decodeImageValue(raw))
		delete(obj, field)
	}
	if len(images) == 0 {
		return text, nil
	}

	cleaned, err := json.Marshal(obj)
	if err != nil {
		return text, images
	}
	return string(cleaned), images
}

// decodeImageValue accepts either a bare base64 payload (assumed PNG) or a
// data URI with an explicit media type.
func decodeImageValue(raw string) providers.ImageContent {
	if strings.HasPrefix(raw, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
		if ok {
			mime := strings.TrimSuffix(meta, ";base64")
			return providers.ImageContent{MimeType: mime, Data: data}
		}
	}
	return providers.ImageContent{MimeType: "image/png", Data: raw}
}
