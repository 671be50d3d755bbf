package node

import (
	"maps"

	cferrors "github.com/wehubfusion/Conflux/pkg/errors"
)

// Configure merges values into the node configuration.
func (b *Base) Configure(values map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta.Status.Busy() {
		return cferrors.Validation("cannot configure node "+b.meta.ID+" while "+string(b.meta.Status), ErrInvalidTransition)
	}
	maps.Copy(b.config, values)
	b.touch()
	return nil
}

// Config returns a copy of the configuration map.
func (b *Base) Config() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.config)
}

func (b *Base) configValue(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.config[key]
	return v, ok
}

// GetConfig returns a config value by key.
func (b *Base) GetConfig(key string) any {
	v, _ := b.configValue(key)
	return v
}

// HasConfig checks if a config key exists.
func (b *Base) HasConfig(key string) bool {
	_, ok := b.configValue(key)
	return ok
}

// GetConfigString returns a config value as string.
func (b *Base) GetConfigString(key string) string {
	return b.GetConfigStringWithDefault(key, "")
}

// GetConfigStringWithDefault returns a config value as string with default.
func (b *Base) GetConfigStringWithDefault(key, defaultVal string) string {
	if v, ok := b.GetConfig(key).(string); ok && v != "" {
		return v
	}
	return defaultVal
}

// GetConfigBool returns a config value as bool.
func (b *Base) GetConfigBool(key string) bool {
	return b.GetConfigBoolWithDefault(key, false)
}

// GetConfigBoolWithDefault returns a config value as bool with default.
func (b *Base) GetConfigBoolWithDefault(key string, defaultVal bool) bool {
	if v, ok := b.GetConfig(key).(bool); ok {
		return v
	}
	return defaultVal
}

// GetConfigInt returns a config value as int. JSON numbers are accepted.
func (b *Base) GetConfigInt(key string) int {
	return b.GetConfigIntWithDefault(key, 0)
}

// GetConfigIntWithDefault returns a config value as int with default.
func (b *Base) GetConfigIntWithDefault(key string, defaultVal int) int {
	switch v := b.GetConfig(key).(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}

// GetConfigFloat returns a config value as float64.
func (b *Base) GetConfigFloat(key string) float64 {
	return b.GetConfigFloatWithDefault(key, 0)
}

// GetConfigFloatWithDefault returns a config value as float64 with default.
func (b *Base) GetConfigFloatWithDefault(key string, defaultVal float64) float64 {
	switch v := b.GetConfig(key).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultVal
}

// GetConfigMap returns a config value as map.
func (b *Base) GetConfigMap(key string) map[string]any {
	if v, ok := b.GetConfig(key).(map[string]any); ok {
		return v
	}
	return nil
}

// GetConfigStringSlice returns a config value as string slice. Non-string
// elements are skipped.
func (b *Base) GetConfigStringSlice(key string) []string {
	switch v := b.GetConfig(key).(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}
