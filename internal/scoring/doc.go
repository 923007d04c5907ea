// Package scoring canonicalizes heterogeneous score payloads (raw points,
// 0..1 fractions, percentages) into a fixed-point decimal domain.
//
// All arithmetic uses shopspring/decimal. Every function is total: malformed
// input yields Null, which callers must treat as "no score", never as zero.
package scoring
