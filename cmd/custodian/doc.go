// Package main (cmd/custodian) runs a custodian node: an HTTP service that
// stores ECIES-encrypted dead drop fragments on one or more storage backends
// and hands them back to the release server during collection.
//
//	custodian --id=berlin-1 --listen-addr=0.0.0.0:8081 \
//	    --endpoint=https://berlin-1.custodians.example \
//	    --server-pubkey=release-signing.pub \
//	    --storage=file:///var/lib/custodian \
//	    --storage='s3://bucket/fragments?region=eu-central-1' \
//	    --lat=52.52 --lon=13.405
//
// Only requests signed by a key given in --server-pubkey may store, fetch or
// delete fragments. `admin generate-admin` produces a suitable key pair.
//
// Register it with the release server through `admin register-node` or a
// DNS SRV record.
package main
