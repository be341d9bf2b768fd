// Package index keeps the in-memory reverse index from subject to the
// observers tracking it. It is sharded by FNV hash and rebuilt from the
// tracking store at startup.
package index
