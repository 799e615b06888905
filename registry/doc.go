// Package registry tracks the custodian nodes a release server may hand
// fragments to.
//
// MemoryRegistry implements interfaces.NodeRegistry. Nodes enter it either by
// registering themselves over the admin API or through SRVSeeder, which
// resolves a DNS SRV name and asks each target to describe itself.
//
// Trust scores live in [0, 1]. The release service raises them after
// successful fragment reads and lowers them after failed ones, so selection
// drifts towards reliable custodians.
package registry
