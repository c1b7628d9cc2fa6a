package storage

// Package storage persists finished send-job reports so operators can
// review past runs across restarts.
//
// It currently supports:
//   - a dependency-free file backend (JSON Lines)
//   - an optional SQLite backend behind the "sqlite" build tag
