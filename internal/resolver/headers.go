package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingHeaders indicates the request lacked headers the configuration
// declares as required.
var ErrMissingHeaders = errors.New("missing required headers")

// ValidateHeaders checks that every header the configuration declares as
// required is present and non-blank. Header names compare case-insensitively,
// matching HTTP semantics.
func ValidateHeaders(required []string, headers map[string]string) error {
	if len(required) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(headers))
	for name, value := range headers {
		normalized[strings.ToLower(name)] = value
	}

	var missing []string
	for _, name := range required {
		if strings.TrimSpace(normalized[strings.ToLower(name)]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}
	return nil
}

// headerValue resolves a header case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
