// Package engine implements the reconciliation core: diffing desired
// firewall policy against live project state and converging the live state
// through provider API calls. The pipeline is load, normalize, fetch, diff,
// enforce; the Reconciler runs it end to end.
package engine
