// Package interfaces defines the domain types and the contracts shared by the
// release service, the custodian nodes and their storage.
//
// # Domain types
//
//   - ReleaseUnit: a capsule (time gated) or dead drop (proximity gated) with its
//     split policy, gate and lifecycle status
//   - Share / Fragment: field-element shares and the per-custodian bundle of them
//   - Gate: closed set of gate variants (TimeGate, PuzzleGate, ProximityGate)
//   - Status / Kind: closed enums with a stable text form for the wire
//
// # Contracts
//
//   - ReleaseStore: persistence with an atomic status compare-and-swap
//   - NodeRegistry: custodian availability, trust, capacity and location
//   - CustodianClient: pushes, fetches and purges fragments at a custodian
//   - RadioScanner: produces one immutable snapshot of nearby custodians per call
//   - StorageBackend / StorageBackendFactory: content-addressed blob storage
//     custodians keep their fragments in
//
// Errors are sentinel values wrapped with %w; the structured
// InsufficientSharesError and GateNotOpenError unwrap to their sentinels.
package interfaces
