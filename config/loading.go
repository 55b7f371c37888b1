package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadConfigFromFile decodes the TOML file at configPath over cfg. Unknown keys
// and duplicate keys produce warnings, not errors. The logger is not set up yet
// when configuration loads, so warnings go through the standard log package.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key inside a table,
// keeping the first occurrence. Each [[array]] element starts a fresh key set.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	result := make([]string, 0, len(lines))
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}

		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") {
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seenKeys {
				if strings.HasPrefix(k, currentSection+".") {
					delete(seenKeys, k)
				}
			}
			result = append(result, line)
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			result = append(result, line)
			continue
		}

		if key, _, ok := strings.Cut(trimmed, "="); ok {
			fullKey := strings.TrimSpace(key)
			if currentSection != "" {
				fullKey = currentSection + "." + fullKey
			}
			if prev, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prev+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: there is a syntax error in the configuration file.\n"+
			"Check that strings are quoted, brackets are balanced and section headers use [section] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port may decode as either a string or an integer.
		if !v.IsNil() {
			if elem := v.Elem(); elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
