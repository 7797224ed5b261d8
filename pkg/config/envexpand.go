package config

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envPlaceholder matches ${VAR} placeholders. Only the braced form is
// expanded so bare $ characters in regex patterns and passwords survive.
var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} placeholders in YAML content with the
// corresponding environment variable. Unset variables expand to the empty
// string; validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return envPlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPlaceholder.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// parseYAML expands environment placeholders and unmarshals into target.
func parseYAML(data []byte, target any) error {
	return yaml.Unmarshal(ExpandEnv(data), target)
}
