// Package evidence defines evidence bundles and the incremental differ.
//
// A Bundle carries the items observed for one subject. Sanitize drops items
// with an empty source, a zero timestamp or a non-finite value. Diff compares
// a bundle against the evidence already recorded for a pair and returns only
// items inside the lookback horizon that are from an unseen source or strictly
// newer than that source's last recorded observation.
package evidence
