package models

import "strings"

// Camera identifies one capture source attached to the device.
type Camera struct {
	ID     string `json:"id" mapstructure:"id"`
	Key    string `json:"key" mapstructure:"key"`
	Source string `json:"source,omitempty" mapstructure:"source"`
}

// ResolvedKey is the identity used for target resolution: key, then id, then "unknown".
func (c Camera) ResolvedKey() string {
	if k := strings.TrimSpace(c.Key); k != "" {
		return k
	}
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	return "unknown"
}

// ResolvedID is the identity used for file naming and metadata.
func (c Camera) ResolvedID() string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return id
	}
	return c.ResolvedKey()
}

// HasSource reports whether a live source is configured.
func (c Camera) HasSource() bool {
	return strings.TrimSpace(c.Source) != ""
}
