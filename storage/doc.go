// Package storage provides the content-addressed backends a custodian node
// keeps its fragments in.
//
// Every backend addresses content by the SHA-256 of the stored bytes and keeps
// fragments and index entries in separate namespaces. Custodians only ever
// store fragments already encrypted to their node key, so backends never see
// share values in the clear.
//
// Supported location URIs:
//
//	file:///var/lib/custodian
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=eu-west-1&endpoint=minio:9000
//	ipfs://127.0.0.1:5001/?timeout=30s
//	vault://[TOKEN@]vault.internal:8200/secret/custodian?tls=true
//
// MultiStorageBackend fans writes out to several backends and reads from the
// first one that has the content.
package storage

import (
	"github.com/ruteri/gated-release/interfaces"
)

// namespace is the directory, key prefix or path segment for a content type.
func namespace(ct interfaces.ContentType) string {
	switch ct {
	case interfaces.FragmentType:
		return "fragments"
	case interfaces.IndexType:
		return "index"
	default:
		return "other"
	}
}
