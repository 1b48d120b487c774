package models

import "time"

// TargetConfig is the cached mapping from camera key to desired class names.
type TargetConfig struct {
	Default   []string            `json:"default"`
	ByCamera  map[string][]string `json:"by_camera"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Lookup returns the targets for a camera key, falling back to the default list.
func (c TargetConfig) Lookup(key string) []string {
	if t, ok := c.ByCamera[key]; ok {
		return t
	}
	return c.Default
}
