package core

// This file centralizes on-disk naming and protocol identifiers.

// --- Arena files ---
const (
	// ArenaLogSuffix names the append-only data log of an arena.
	ArenaLogSuffix = ".log"
	// ArenaIndexSuffix names the append-only index log of an arena.
	ArenaIndexSuffix = ".idx"
	// ArenaLockSuffix names the advisory lock file held while an arena is open.
	ArenaLockSuffix = ".lock"
)

// --- Hash algorithms recorded in record headers ---
const (
	HashSHA1 uint8 = 0
)

// --- Protocol ---
const (
	// ProtocolName prefixes the version announcement line.
	ProtocolName = "venti"
	// SupportedVersions lists the wire sub-versions this server speaks.
	SupportedVersions = "02:04"
)
