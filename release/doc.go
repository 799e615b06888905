// Package release is the protocol layer of gated secret release.
//
// Service is the entry point used by the HTTP layer and the binaries. It
// creates capsules and dead drops, cancels them, answers status queries and
// runs collection attempts. Dead drop fragments are placed on custodian nodes
// by a Distributor and gathered again by a Coordinator; capsules keep every
// fragment together, sealed under a key only the gate can produce.
//
// Every status change goes through ReleaseStore.CompareAndSwapStatus, which
// is the single serialization point guaranteeing that a secret is released
// at most once.
package release
