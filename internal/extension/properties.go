package extension

import (
	"encoding/json"
	"fmt"
)

type propertyDTO struct {
	Key      string `json:"key"`
	Metadata struct {
		Required    bool   `json:"required"`
		Secure      bool   `json:"secure"`
		DisplayName string `json:"display_name"`
	} `json:"metadata"`
}

// DecodePropertyList reads a [{"key": ..., "metadata": {...}}] response, the
// format profile and auth-config metadata requests answer with. Fields keep
// the plugin's order.
func DecodePropertyList(body string) (any, error) {
	var raw []propertyDTO
	if body != "" {
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return nil, fmt.Errorf("unmarshal property metadata: %w", err)
		}
	}
	fields := make([]ConfigField, 0, len(raw))
	for i, p := range raw {
		if p.Key == "" {
			return nil, fmt.Errorf("property metadata entry %d has no key", i)
		}
		fields = append(fields, ConfigField{
			Key:          p.Key,
			DisplayName:  p.Metadata.DisplayName,
			Required:     p.Metadata.Required,
			Secure:       p.Metadata.Secure,
			DisplayOrder: i,
		})
	}
	return fields, nil
}

// EncodeProperties marshals a flat property map. A nil map is sent as {}.
func EncodeProperties(payload any) (string, error) {
	props, err := PayloadAs[map[string]string](payload)
	if err != nil {
		return "", err
	}
	if props == nil {
		props = map[string]string{}
	}
	return EncodeJSON(props)
}

// DecodeImage reads a {"content_type": ..., "data": ...} icon response.
func DecodeImage(body string) (any, error) {
	var img Image
	if err := json.Unmarshal([]byte(body), &img); err != nil {
		return nil, fmt.Errorf("unmarshal icon: %w", err)
	}
	if img.ContentType == "" || img.Data == "" {
		return nil, fmt.Errorf("icon response requires content_type and data")
	}
	return img, nil
}
