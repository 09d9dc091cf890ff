// internal/target/gojadom/dataurl.go
package gojadom

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

func encodeDataURL(js string) string {
	return "data:text/javascript;base64," + base64.StdEncoding.EncodeToString([]byte(js))
}

// decodeDataURL returns the body of a data: URL, or an error for any other scheme.
func decodeDataURL(ref string) (string, error) {
	if !strings.HasPrefix(ref, "data:") {
		return "", fmt.Errorf("not a data URL")
	}
	meta, body, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return "", fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(meta, ";base64") {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", fmt.Errorf("malformed data URL: %w", err)
		}
		return string(raw), nil
	}
	return url.PathUnescape(body)
}
