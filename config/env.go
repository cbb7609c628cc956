package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envReference = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-default} references. A reference
// to an unset variable without a default is an error.
func expandEnv(text string) (string, error) {
	var missing []string
	expanded := envReference.ReplaceAllStringFunc(text, func(ref string) string {
		parts := envReference.FindStringSubmatch(ref)
		if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		missing = append(missing, parts[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}
