// Package main (cmd/releaseserver) runs the release API.
//
// The server splits secrets into capsules (released by time or by a solved
// time-lock puzzle) and dead drops (released at a place, with fragments held
// by custodian nodes). Custodians are registered from --custodian endpoints,
// from a DNS SRV name, or later through the signed /admin API.
//
// Fragment requests to custodians are signed with --custodian-signing-key;
// each custodian is started with the matching public key in --server-pubkey.
//
// Release units are kept in memory, Redis or Postgres (--store). A background
// sweeper expires overdue dead drops every --sweep-interval.
//
// Example:
//
//	releaseserver --listen-addr=0.0.0.0:8080 \
//	    --sealing-key=$(openssl rand -hex 32) \
//	    --custodian-signing-key=release-signing.pem \
//	    --store=postgres --postgres-dsn=postgres://release@db/release \
//	    --custodian-srv=_custodian._tcp.example.com \
//	    --admin-keys-file=admins.json
package main
