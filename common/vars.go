package common

var (
	// Version is overwritten at build time through -ldflags.
	Version = "dev"

	// PackageName prefixes metric names and identifies the service in logs.
	PackageName = "gated_release"
)
