package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are never included.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the platform backend. Secret keys go
// to the platform secret store instead.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keychainSet(keychainService, secretAccount(key), value)
		}
		return setKeyOn(newPlatformBackend(), s, value)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

func setKeyOn(b ConfigBackend, s keySpec, value string) error {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return b.SetInt(s.key, i)
	case kBool:
		// Stored as a string; applyBackend parses it on load.
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("invalid bool value for %s: %w", s.key, err)
		}
		return b.SetString(s.key, value)
	case kFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("invalid float value for %s: %w", s.key, err)
		}
		return b.SetString(s.key, value)
	default:
		return b.SetString(s.key, value)
	}
}

func secretAccount(key string) string {
	switch key {
	case "server.token":
		return accountAPIToken
	case "provider.openai_api_key":
		return accountOpenAIKey
	}
	return ""
}

// ValidKeys returns the list of config key names accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
