package domain

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidCookies = errors.New("invalid cookies")

// ParseCookies accepts the formats operators paste in practice: a JSON object,
// a JSON list of {name, value} objects (browser exports), either of those
// base64-encoded, or a "k=v; k2=v2" header string.
func ParseCookies(raw string) (StringMap, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StringMap{}, nil
	}

	if cookies, ok := parseJSONCookies(raw); ok {
		return cookies, nil
	}

	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if cookies, ok := parseJSONCookies(strings.TrimSpace(string(decoded))); ok {
			return cookies, nil
		}
	}

	cookies := StringMap{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, ErrInvalidCookies
		}
		cookies[name] = strings.TrimSpace(value)
	}

	if len(cookies) == 0 {
		return nil, ErrInvalidCookies
	}
	return cookies, nil
}

func parseJSONCookies(raw string) (StringMap, bool) {
	switch {
	case strings.HasPrefix(raw, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, false
		}
		cookies := StringMap{}
		for k, v := range obj {
			if s, ok := v.(string); ok {
				cookies[k] = s
			}
		}
		return cookies, true

	case strings.HasPrefix(raw, "["):
		var list []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, false
		}
		cookies := StringMap{}
		for _, c := range list {
			if c.Name != "" {
				cookies[c.Name] = c.Value
			}
		}
		return cookies, true
	}

	return nil, false
}
