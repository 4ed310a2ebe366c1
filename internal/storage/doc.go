// Package storage persists the poll state between runs.
//
// Drivers:
//   - file: JSON document replaced atomically on every save
//   - ini: the legacy [session] section, shared with other settings in the file
//   - sqlite: single-row table plus the boundary ids
//   - memory: non-durable, used when storage is disabled and in tests
package storage
