// Package custodian implements the custodian node side of proximity release:
// a Node that keeps one fragment per release unit in a storage backend,
// encrypted to the node key, the HTTP server exposing it, and the clients the
// release service uses to reach nodes.
//
// Endpoints served by Server:
//
//	PUT    /fragments/{unit_id}  store or replace the fragment of a unit
//	GET    /fragments/{unit_id}  return the fragment of a unit
//	DELETE /fragments/{unit_id}  drop the fragment of a unit
//	GET    /info                 describe the node for registry seeding
//	GET    /livez
//
// The fragment routes require a request signed by an authorized release
// server key (see SignRequest and Authorizer).
//
// StaticScanner stands in for the short-range radio: it reports whichever
// custodians the caller says are in range.
package custodian
