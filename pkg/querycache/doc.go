// Package querycache memoizes expensive reads against the tourism database.
//
// Results are keyed by a fingerprint of the normalized query text and its
// parameters and stored with an expiry, a hit count and an optional category
// such as "attractions:spatial". The Engine implements get-or-compute over a
// Store; the Invalidator, WriteHook and ChangeQueue remove entries when the
// underlying tables change; Queries provides the fixed spatial, vector and
// full-text read shapes.
package querycache
