// Package registry maps language identifiers to execution profiles.
//
// The registry is built once from configuration and is read-only afterwards,
// so lookups need no locking. Identifiers and aliases match
// case-insensitively; unknown languages fail with ErrNotSupported before any
// sandbox resource is allocated.
//
// Usage:
//
//	reg, err := registry.NewFromConfig(cfg)
//	profile, err := reg.Resolve("Python")
package registry
