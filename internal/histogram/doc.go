// Package histogram classifies samples into named bins and serializes per-period
// bin counts into the versioned text record format used by the history store.
package histogram
