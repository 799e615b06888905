// Package main (cmd/admin) is the operator tool for a release server's admin API.
//
// Commands:
//
//	generate-admin   - Generate an admin key pair and print its fingerprint
//	generate-config  - Write admins.json, the whitelist the release server loads
//	nodes            - List registered custodians
//	register-node    - Describe a running custodian and register it
//	set-node-status  - Take a custodian offline, back online or retire it
//	sweep            - Expire overdue dead drops now
//
// Admin ids are the hex SHA-256 fingerprint of the admin's public key PEM.
// Mutating commands sign the request path and body with the admin's key.
//
// Example workflow:
//
//  1. admin generate-admin --admin-privkey-file=ops1.pem --admin-pubkey-file=ops1.pub
//  2. admin generate-config --admin-pubkey-files=ops1.pub
//  3. releaseserver --admin-keys-file=admins.json ...
//  4. admin register-node --endpoint=https://custodian-1.example:8081 \
//     --admin-privkey-file=ops1.pem --admin-pubkey-file=ops1.pub
package main
