// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer for the server engine.
//
// Provides concurrent-safe state handling primitives including:
//   - Metrics telemetry with per-key staleness stamps
//   - Debug hooks and probe registration with lazy evaluation
//   - Platform-specific probe integrations
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
