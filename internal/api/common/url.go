// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxParamLength bounds URL parameters. Platform names and entry ids are
// short; anything longer is garbage or an attack.
const maxParamLength = 128

// GetAndValidateURLParam extracts and decodes a chi URL parameter.
// The decoded value must be non-empty, free of whitespace, and within
// maxParamLength.
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}
	if strings.ContainsAny(decoded, " \t\n\r") {
		return "", fmt.Errorf("%s cannot contain whitespace", paramName)
	}
	if len(decoded) > maxParamLength {
		return "", fmt.Errorf("%s is too long", paramName)
	}

	return decoded, nil
}
