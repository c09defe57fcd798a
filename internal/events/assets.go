package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseAssetList decodes a down_assets field. Besides JSON arrays it accepts the
// unquoted "[a,b]" form produced when a shell strips the quotes, and a bare asset key.
// Numeric keys are kept in their literal form.
func ParseAssetList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}

	var decoded any

	decoder := json.NewDecoder(strings.NewReader(raw))
	decoder.UseNumber()

	err := decoder.Decode(&decoded)
	if err == nil && decoder.More() {
		err = fmt.Errorf("trailing data after %v", decoded)
	}

	if err == nil {
		return fromJSON(decoded)
	}

	if strings.HasPrefix(raw, "[") {
		if !strings.HasSuffix(raw, "]") {
			return nil, fmt.Errorf("%w: unterminated asset list %q", ErrInvalidField, raw)
		}

		return splitList(raw[1 : len(raw)-1]), nil
	}

	return []string{raw}, nil
}

func fromJSON(decoded any) ([]string, error) {
	switch v := decoded.(type) {
	case []any:
		ret := make([]string, 0, len(v))

		for _, item := range v {
			var s string

			switch key := item.(type) {
			case string:
				s = key
			case json.Number:
				s = key.String()
			default:
				return nil, fmt.Errorf("%w: asset key %v is not a string", ErrInvalidField, item)
			}

			s = strings.TrimSpace(s)
			if s != "" {
				ret = append(ret, s)
			}
		}

		return ret, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return []string{}, nil
		}

		return []string{v}, nil
	case json.Number:
		return []string{v.String()}, nil
	case nil:
		return []string{}, nil
	}

	return nil, fmt.Errorf("%w: unexpected asset list %v", ErrInvalidField, decoded)
}

func splitList(s string) []string {
	ret := []string{}

	for _, item := range strings.Split(s, ",") {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			ret = append(ret, item)
		}
	}

	return ret
}
