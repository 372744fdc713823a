// Package repository defines the opaque persistence interfaces the core
// calls through (spec §6 "persisted state"): transaction log records,
// duplicate-detector snapshots, blacklist entries, and limit counters.
// This package never prescribes storage technology; concrete adapters
// live in subpackages (see repository/postgres) or as in-memory test
// doubles (memory.go).
package repository
