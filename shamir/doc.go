// Package shamir implements k-of-n Shamir secret sharing over a prime field.
//
// A secret is cut into chunks that each fit one field element. Every chunk is
// encoded as 0x01||chunk, so leading zero bytes survive, and split with the
// same policy and index set. The chunk-shares with the same index form one
// interfaces.Fragment, which is what a single custodian holds.
//
// Combine never knows the threshold. Callers check the result against the
// unit's SecretMetadata; Reconstruct does both steps.
package shamir
