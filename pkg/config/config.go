package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Load loads the YAML configuration from the file at the given path into
// conf.
//
// If expandEnv is true, environment variable references in the file of form
// '$VAR' or '${VAR}' are replaced with the corresponding environment
// variable. References to undefined variables are replaced with an empty
// string, or a default can be given with form '${VAR:default}'.
func Load(path string, conf interface{}, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %s: %w", path, err)
	}

	if expandEnv {
		buf = expandEnvVars(buf)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}

	return nil
}

var envRe = regexp.MustCompile(`\$(?:\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}|([A-Za-z_][A-Za-z0-9_]*))`)

func expandEnvVars(b []byte) []byte {
	return envRe.ReplaceAllFunc(b, func(match []byte) []byte {
		groups := envRe.FindSubmatch(match)

		name := string(groups[1])
		if name == "" {
			name = string(groups[3])
		}

		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		// Fall back to the default (which may be empty).
		return groups[2]
	})
}
