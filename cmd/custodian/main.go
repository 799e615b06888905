package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/gated-release/cmd/flags"
	"github.com/ruteri/gated-release/cryptoutils"
	"github.com/ruteri/gated-release/custodian"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/storage"
)

var custodianFlags = []cli.Flag{
	flags.ListenAddrFlagFn("127.0.0.1:8081"),
	flags.LogServiceFlagFn("custodian"),
	&cli.StringFlag{
		Name:     "id",
		Usage:    "custodian id, unique across the deployment",
		EnvVars:  []string{"CUSTODIAN_ID"},
		Required: true,
	},
	&cli.StringFlag{
		Name:    "endpoint",
		Usage:   "URL the release server reaches this custodian on (defaults to http://<listen-addr>)",
		EnvVars: []string{"CUSTODIAN_ENDPOINT"},
	},
	&cli.StringSliceFlag{
		Name:    "storage",
		Value:   cli.NewStringSlice("file://./custodian-data"),
		Usage:   "fragment storage URI (file://, s3://, ipfs://, vault://); repeat for redundant storage",
		EnvVars: []string{"CUSTODIAN_STORAGE"},
	},
	&cli.StringFlag{
		Name:  "key-file",
		Value: "custodian-key.pem",
		Usage: "PEM P-256 key fragments are encrypted to; generated if missing",
	},
	&cli.StringSliceFlag{
		Name:     "server-pubkey",
		Usage:    "PEM public key file of a release server allowed to store, fetch and delete fragments (repeatable)",
		EnvVars:  []string{"CUSTODIAN_SERVER_PUBKEYS"},
		Required: true,
	},
	&cli.StringFlag{
		Name:  "index-file",
		Value: "custodian-index.head",
		Usage: "file holding the content id of the latest fragment index snapshot",
	},
	&cli.IntFlag{
		Name:  "capacity",
		Value: 1000,
		Usage: "number of fragments this custodian accepts",
	},
	&cli.Float64Flag{Name: "lat", Usage: "custodian latitude"},
	&cli.Float64Flag{Name: "lon", Usage: "custodian longitude"},
}

func main() {
	app := &cli.App{
		Name:  "custodian",
		Usage: "Hold encrypted dead drop fragments for a release server",
		Flags: append(custodianFlags, flags.LogJsonFlag, flags.LogDebugFlag, flags.LogUidFlag),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx := cCtx.Context

			privateKey, err := loadOrCreateKey(cCtx.String("key-file"), logger)
			if err != nil {
				return err
			}

			auth, err := loadAuthorizer(cCtx.StringSlice("server-pubkey"))
			if err != nil {
				return err
			}

			backend, err := openStorage(cCtx, logger)
			if err != nil {
				return err
			}

			listenAddr := cCtx.String("listen-addr")
			endpoint := cCtx.String("endpoint")
			if endpoint == "" {
				endpoint = "http://" + listenAddr
			}

			cfg := custodian.NodeConfig{
				ID:            interfaces.CustodianID(cCtx.String("id")),
				Endpoint:      endpoint,
				Capacity:      cCtx.Int("capacity"),
				PrivateKey:    privateKey,
				IndexHeadPath: cCtx.String("index-file"),
			}
			if cCtx.IsSet("lat") || cCtx.IsSet("lon") {
				loc := geo.Reading{Latitude: cCtx.Float64("lat"), Longitude: cCtx.Float64("lon")}
				if err := loc.Validate(); err != nil {
					return err
				}
				cfg.Location = &loc
			}

			node, err := custodian.NewNode(ctx, cfg, backend, logger)
			if err != nil {
				return err
			}
			logger.Info("Custodian node ready", "id", cfg.ID, "fragments", node.Len(), "endpoint", endpoint)

			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           custodian.NewServer(node, auth, logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("Starting custodian server", "listenAddr", listenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("HTTP server failed", "err", err)
				}
			}()

			flags.WaitForSignal(ctx, logger)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Graceful HTTP server shutdown failed", "err", err)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openStorage(cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackend, error) {
	factory := storage.NewStorageBackendFactory(logger)

	uris := cCtx.StringSlice("storage")
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}

	switch len(locations) {
	case 0:
		return nil, errors.New("at least one --storage is required")
	case 1:
		return factory.StorageBackendFor(locations[0])
	default:
		return factory.CreateMultiBackend(locations)
	}
}

func loadAuthorizer(paths []string) (*custodian.Authorizer, error) {
	keys := make([]*ecdsa.PublicKey, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read server public key: %w", err)
		}
		key, err := cryptoutils.PublicKeyPEM(data).ECDSA()
		if err != nil {
			return nil, fmt.Errorf("invalid server public key %s: %w", path, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("at least one --server-pubkey is required")
	}
	return custodian.NewAuthorizer(keys...), nil
}

func loadOrCreateKey(path string, logger *slog.Logger) (cryptoutils.PrivateKeyPEM, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return cryptoutils.PrivateKeyPEM(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, privateKey, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, privateKey, 0600); err != nil {
		return nil, fmt.Errorf("could not write key file: %w", err)
	}
	logger.Info("Generated custodian key", "file", path)
	return privateKey, nil
}
