package config

import (
	"os"
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvInString substitutes ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvInString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if strings.HasPrefix(groups[2], ":-") {
			return groups[3]
		}
		return ""
	})
}

// ExpandEnvInData walks a decoded YAML structure and expands environment
// variable references in every string value.
func ExpandEnvInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		return ExpandEnvInString(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = ExpandEnvInData(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = ExpandEnvInData(val)
		}
		return out
	default:
		return data
	}
}
