// Package services selects and owns the platform providers for the
// life of the process.
//
// Features:
//   - Host platform detection with an override for tests
//   - One-shot, race-safe initialization; later calls are no-ops
//   - Capability accessors that fail closed before initialization
//   - Optional Prometheus instrumentation around every provider
//
// The in-memory simulation backs any platform without a native
// provider set.
package services
