package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// manages multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node HTTP API
//   - vault:// - HashiCorp Vault KV v2 secrets engine
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	loc, err := locationURI.Parse()
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// URIs that fail to produce a backend are logged and skipped; it is an error
// only if none of them do.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", redactLocation(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.ParsedStorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	sf.log.Debug("Creating file backend", slog.String("path", path))
	return NewFileBackend(path, sf.log)
}

// createS3Backend handles s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=..&endpoint=..
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.ParsedStorageBackendLocation) (interfaces.StorageBackend, error) {
	cfg := S3Config{
		Bucket:         loc.Host,
		Prefix:         strings.Trim(loc.Path, "/"),
		Region:         loc.GetParam("region"),
		Endpoint:       loc.GetParam("endpoint"),
		ForcePathStyle: loc.GetParamBool("path_style"),
	}
	if loc.Auth != "" {
		cfg.AccessKey, cfg.SecretKey = splitAuth(loc.Auth)
	}

	sf.log.Debug("Creating S3 backend",
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
		slog.Bool("static_credentials", cfg.AccessKey != ""))
	return NewS3Backend(cfg, sf.log)
}

// createIPFSBackend handles ipfs://host:port/?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.ParsedStorageBackendLocation) (interfaces.StorageBackend, error) {
	host := loc.Host
	if !strings.Contains(host, ":") {
		host += ":5001"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ipfs timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	sf.log.Debug("Creating IPFS backend", slog.String("api", host))
	return NewIPFSBackend(host, timeout, sf.log), nil
}

// createVaultBackend handles vault://[TOKEN@]host:port/mount/path?tls=true.
// Without a token in the URI the VAULT_TOKEN environment variable is used.
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.ParsedStorageBackendLocation) (interfaces.StorageBackend, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path", interfaces.ErrInvalidLocationURI)
	}
	mountPath := parts[0]
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "http"
	if loc.GetParamBool("tls") {
		scheme = "https"
	}

	token, _ := splitAuth(loc.Auth)
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	sf.log.Debug("Creating Vault backend",
		slog.String("host", loc.Host),
		slog.String("mount", mountPath))
	return NewVaultBackend(scheme+"://"+loc.Host, token, mountPath, dataPath, sf.log)
}

func splitAuth(auth string) (string, string) {
	user, pass, _ := strings.Cut(auth, ":")
	if u, err := url.PathUnescape(user); err == nil {
		user = u
	}
	if p, err := url.PathUnescape(pass); err == nil {
		pass = p
	}
	return user, pass
}

// redactLocation strips credentials before a URI is logged.
func redactLocation(uri interfaces.StorageBackendLocation) string {
	u, err := url.Parse(string(uri))
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	return u.String()
}
