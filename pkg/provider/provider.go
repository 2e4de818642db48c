// Package provider contains implementations of the engine.FirewallAPI
// surface: ComputeClient speaks to the cloud provider's REST endpoints,
// Static is an in-memory implementation backing tests and snapshot dry runs.
package provider
