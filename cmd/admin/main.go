package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/gated-release/api/clients"
	"github.com/ruteri/gated-release/custodian"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/httpserver"
	"github.com/ruteri/gated-release/interfaces"
)

var flagAdminServer *cli.StringFlag = &cli.StringFlag{
	Name:    "admin-server-addr",
	Value:   "http://127.0.0.1:8080/admin",
	Usage:   "Release server admin API address",
	EnvVars: []string{"ADMIN_SERVER_ADDR"},
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminsConfig *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "Path to the admin whitelist the release server loads",
}

// adminsConfig is the format httpserver.LoadAdminKeys reads.
type adminsConfig struct {
	Admins []adminEntry `json:"admins"`
}

type adminEntry struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// adminClient builds a signing client. The admin id is the fingerprint of
// the public key, matching generate-config.
func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return nil, err
	}
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}
	privateKey, err := httpserver.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	adminID := httpserver.ComputeFingerprint(publicKeyPEM)
	return clients.NewAdminClient(cCtx.String(flagAdminServer.Name), adminID, privateKey), nil
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "Manage custodian nodes of a release server",
		DefaultCommand: "nodes",
		Commands: []*cli.Command{
			{
				Name:  "generate-admin",
				Usage: "Generate an admin key pair",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := httpserver.GenerateAdminKeyPair()
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(privateKeyPEM), 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(publicKeyPEM), 0600); err != nil {
						return err
					}
					fmt.Println(httpserver.ComputeFingerprint([]byte(publicKeyPEM)))
					return nil
				},
			},
			{
				Name:  "generate-config",
				Usage: "Write the admin whitelist from a set of public keys",
				Flags: []cli.Flag{
					flagAdminsConfig,
					&cli.StringSliceFlag{
						Name:     "admin-pubkey-files",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					config := adminsConfig{}
					for _, pubkey := range cCtx.StringSlice("admin-pubkey-files") {
						publicKeyPEM, err := os.ReadFile(pubkey)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, adminEntry{
							ID:     httpserver.ComputeFingerprint(publicKeyPEM),
							PubKey: string(publicKeyPEM),
						})
					}

					configBytes, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminsConfig.Name), configBytes, 0600)
				},
			},
			{
				Name:  "nodes",
				Usage: "List registered custodians",
				Flags: []cli.Flag{flagAdminServer},
				Action: func(cCtx *cli.Context) error {
					nodes, err := clients.NewAdminClient(cCtx.String(flagAdminServer.Name), "", nil).ListNodes()
					if err != nil {
						return err
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tSTATUS\tTRUST\tCAPACITY\tENDPOINT")
					for _, n := range nodes {
						fmt.Fprintf(w, "%s\t%s\t%.2f\t%d/%d\t%s\n", n.ID, n.Status, n.TrustScore, n.CapacityUsed, n.CapacityTotal, n.Endpoint)
					}
					return w.Flush()
				},
			},
			{
				Name:  "register-node",
				Usage: "Register the custodian serving at --endpoint",
				Flags: []cli.Flag{
					flagAdminServer,
					flagAdminPrivkey,
					flagAdminPubkey,
					&cli.StringFlag{Name: "endpoint", Required: true, Usage: "custodian base URL"},
					&cli.Float64Flag{Name: "lat", Usage: "override the custodian's reported latitude"},
					&cli.Float64Flag{Name: "lon", Usage: "override the custodian's reported longitude"},
				},
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}

					ctx, cancel := context.WithTimeout(cCtx.Context, 30*time.Second)
					defer cancel()

					endpoint := cCtx.String("endpoint")
					node, err := custodian.NewHTTPClient(http.DefaultClient, nil).Describe(ctx, endpoint)
					if err != nil {
						return fmt.Errorf("could not describe custodian: %w", err)
					}
					node.Endpoint = endpoint
					node.Status = interfaces.NodeOnline
					if cCtx.IsSet("lat") || cCtx.IsSet("lon") {
						loc := geo.Reading{Latitude: cCtx.Float64("lat"), Longitude: cCtx.Float64("lon")}
						if err := loc.Validate(); err != nil {
							return err
						}
						node.Location = &loc
					}

					stored, err := client.RegisterNode(node)
					if err != nil {
						return err
					}
					fmt.Printf("registered %s (trust %.2f, capacity %d)\n", stored.ID, stored.TrustScore, stored.CapacityTotal)
					return nil
				},
			},
			{
				Name:      "set-node-status",
				Usage:     "Set a custodian online, offline or retired",
				ArgsUsage: "<custodian-id> <online|offline|retired>",
				Flags: []cli.Flag{
					flagAdminServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 2 {
						return cli.ShowSubcommandHelp(cCtx)
					}
					var status interfaces.NodeStatus
					if err := status.UnmarshalText([]byte(cCtx.Args().Get(1))); err != nil {
						return err
					}

					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.SetNodeStatus(interfaces.CustodianID(cCtx.Args().Get(0)), status)
				},
			},
			{
				Name:  "sweep",
				Usage: "Expire overdue dead drops now",
				Flags: []cli.Flag{
					flagAdminServer,
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					n, err := client.Sweep()
					if err != nil {
						return err
					}
					fmt.Printf("expired %d dead drops\n", n)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
