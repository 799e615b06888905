package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/gated-release/api"
	"github.com/ruteri/gated-release/api/clients"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/timelock"
)

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "release server address",
	EnvVars: []string{"RELEASE_SERVER"},
}
var flagCaller = &cli.StringFlag{
	Name:    "caller",
	Usage:   "caller id sent as X-Caller-ID",
	EnvVars: []string{"RELEASE_CALLER"},
}
var flagLat = &cli.Float64Flag{Name: "lat", Usage: "latitude in degrees"}
var flagLon = &cli.Float64Flag{Name: "lon", Usage: "longitude in degrees"}
var flagAccuracy = &cli.Float64Flag{Name: "accuracy", Usage: "location accuracy in meters"}

var secretFlags = []cli.Flag{
	&cli.StringFlag{Name: "secret", Usage: "secret text"},
	&cli.StringFlag{Name: "secret-file", Usage: "read the secret from a file ('-' for stdin)"},
	&cli.IntFlag{Name: "k", Value: 3, Usage: "fragments needed to reconstruct"},
	&cli.IntFlag{Name: "n", Value: 5, Usage: "fragments created"},
}

func main() {
	app := &cli.App{
		Name:  "releasectl",
		Usage: "Create and collect gated secrets",
		Flags: []cli.Flag{flagServer, flagCaller},
		Commands: []*cli.Command{
			{
				Name:  "create-capsule",
				Usage: "Seal a secret until a time or behind a time-lock puzzle",
				Flags: append([]cli.Flag{
					&cli.TimestampFlag{Name: "unlock-at", Layout: time.RFC3339, Usage: "unlock time (RFC 3339)"},
					&cli.DurationFlag{Name: "puzzle", Usage: "puzzle difficulty as expected solve time, e.g. 72h"},
				}, secretFlags...),
				Action: func(cCtx *cli.Context) error {
					var spec api.GateSpec
					switch {
					case cCtx.IsSet("unlock-at") && cCtx.IsSet("puzzle"):
						return errors.New("use either --unlock-at or --puzzle")
					case cCtx.IsSet("unlock-at"):
						spec = api.GateSpec{Type: "time", UnlockAt: cCtx.Timestamp("unlock-at")}
					case cCtx.IsSet("puzzle"):
						spec = api.GateSpec{Type: "puzzle", PuzzleDifficulty: api.Duration(cCtx.Duration("puzzle"))}
					default:
						return errors.New("one of --unlock-at or --puzzle is required")
					}
					return create(cCtx, spec, 0)
				},
			},
			{
				Name:  "create-deaddrop",
				Usage: "Leave a secret at a place, held by nearby custodians",
				Flags: append([]cli.Flag{
					flagLat, flagLon,
					&cli.Float64Flag{Name: "radius", Value: 50, Usage: "collection radius in meters"},
					&cli.IntFlag{Name: "peers", Value: 3, Usage: "custodians that must be in radio range"},
					&cli.DurationFlag{Name: "ttl", Usage: "expiry (server default if unset)"},
				}, secretFlags...),
				Action: func(cCtx *cli.Context) error {
					spec := api.GateSpec{
						Type:               "proximity",
						Latitude:           cCtx.Float64(flagLat.Name),
						Longitude:          cCtx.Float64(flagLon.Name),
						RadiusMeters:       cCtx.Float64("radius"),
						RequiredRadioPeers: cCtx.Int("peers"),
					}
					return create(cCtx, spec, cCtx.Duration("ttl"))
				},
			},
			{
				Name:      "status",
				Usage:     "Show a unit's status, and distance and bearing when --lat/--lon are given",
				ArgsUsage: "<unit-id>",
				Flags:     []cli.Flag{flagLat, flagLon, flagAccuracy},
				Action: func(cCtx *cli.Context) error {
					id, err := unitArg(cCtx)
					if err != nil {
						return err
					}
					report, err := client(cCtx).Status(cCtx.Context, id, reading(cCtx))
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			{
				Name:      "collect",
				Usage:     "Attempt to release a unit's secret",
				ArgsUsage: "<unit-id>",
				Flags: []cli.Flag{
					flagLat, flagLon, flagAccuracy,
					&cli.StringSliceFlag{Name: "peer", Usage: "custodian id heard over radio (repeatable)"},
					&cli.StringFlag{Name: "solution-file", Usage: "puzzle solution written by solve"},
				},
				Action: func(cCtx *cli.Context) error {
					id, err := unitArg(cCtx)
					if err != nil {
						return err
					}

					req := api.CollectRequest{Location: reading(cCtx)}
					for _, p := range cCtx.StringSlice("peer") {
						req.Peers = append(req.Peers, interfaces.DiscoveredPeer{CustodianID: interfaces.CustodianID(p)})
					}
					if path := cCtx.String("solution-file"); path != "" {
						data, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						req.Solution = new(timelock.Solution)
						if err := json.Unmarshal(data, req.Solution); err != nil {
							return fmt.Errorf("invalid solution file: %w", err)
						}
					}

					resp, err := client(cCtx).Collect(cCtx.Context, id, req)
					if err != nil {
						return explain(err)
					}
					os.Stdout.Write(resp.Secret)
					fmt.Fprintln(os.Stderr)
					return nil
				},
			},
			{
				Name:      "solve",
				Usage:     "Solve a puzzle capsule, locally or on the server",
				ArgsUsage: "<unit-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "server-side", Usage: "let the server solve and poll its progress"},
					&cli.StringFlag{Name: "out", Value: "solution.json", Usage: "where to write the solution"},
				},
				Action: solve,
			},
			{
				Name:  "calibrate",
				Usage: "Measure this machine's squaring speed",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "modulus-bits", Value: timelock.DefaultModulusBits},
					&cli.DurationFlag{Name: "sample", Value: 3 * time.Second},
				},
				Action: func(cCtx *cli.Context) error {
					rate, err := timelock.Calibrate(cCtx.Context, cCtx.Int("modulus-bits"), cCtx.Duration("sample"))
					if err != nil {
						return err
					}
					fmt.Printf("%d squarings per second\n", rate)
					return nil
				},
			},
			unitCommand("cancel", "Cancel a unit you own", func(ctx context.Context, c *clients.ReleaseClient, id interfaces.ReleaseUnitID) (any, error) {
				status, err := c.Cancel(ctx, id)
				return api.CancelResponse{Status: status}, err
			}),
			unitCommand("activate", "Activate a distributed dead drop", func(ctx context.Context, c *clients.ReleaseClient, id interfaces.ReleaseUnitID) (any, error) {
				return c.Activate(ctx, id)
			}),
			unitCommand("audit", "Show a unit's status history", func(ctx context.Context, c *clients.ReleaseClient, id interfaces.ReleaseUnitID) (any, error) {
				return c.Audit(ctx, id)
			}),
			unitCommand("assignments", "Show which custodians hold a dead drop's fragments", func(ctx context.Context, c *clients.ReleaseClient, id interfaces.ReleaseUnitID) (any, error) {
				return c.Assignments(ctx, id)
			}),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *clients.ReleaseClient {
	return clients.NewReleaseClient(cCtx.String(flagServer.Name), cCtx.String(flagCaller.Name))
}

func unitArg(cCtx *cli.Context) (interfaces.ReleaseUnitID, error) {
	if cCtx.NArg() != 1 {
		return "", errors.New("expected exactly one unit id")
	}
	return interfaces.ReleaseUnitID(cCtx.Args().First()), nil
}

func unitCommand(name, usage string, fn func(context.Context, *clients.ReleaseClient, interfaces.ReleaseUnitID) (any, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<unit-id>",
		Action: func(cCtx *cli.Context) error {
			id, err := unitArg(cCtx)
			if err != nil {
				return err
			}
			out, err := fn(cCtx.Context, client(cCtx), id)
			if err != nil {
				return explain(err)
			}
			return printJSON(out)
		},
	}
}

func reading(cCtx *cli.Context) *geo.Reading {
	if !cCtx.IsSet(flagLat.Name) && !cCtx.IsSet(flagLon.Name) {
		return nil
	}
	return &geo.Reading{
		Latitude:       cCtx.Float64(flagLat.Name),
		Longitude:      cCtx.Float64(flagLon.Name),
		AccuracyMeters: cCtx.Float64(flagAccuracy.Name),
	}
}

func readSecret(cCtx *cli.Context) ([]byte, error) {
	switch path := cCtx.String("secret-file"); {
	case path == "-":
		return io.ReadAll(os.Stdin)
	case path != "":
		return os.ReadFile(path)
	case cCtx.String("secret") != "":
		return []byte(cCtx.String("secret")), nil
	default:
		return nil, errors.New("one of --secret or --secret-file is required")
	}
}

func create(cCtx *cli.Context, spec api.GateSpec, ttl time.Duration) error {
	secret, err := readSecret(cCtx)
	if err != nil {
		return err
	}
	resp, err := client(cCtx).Create(cCtx.Context, api.CreateUnitRequest{
		Secret: secret,
		K:      cCtx.Int("k"),
		N:      cCtx.Int("n"),
		Gate:   spec,
		TTL:    api.Duration(ttl),
	})
	if err != nil {
		return explain(err)
	}
	if resp.DistributionError != "" {
		fmt.Fprintf(os.Stderr, "warning: unit stays PENDING: %s\n", resp.DistributionError)
	}
	return printJSON(resp)
}

func solve(cCtx *cli.Context) error {
	id, err := unitArg(cCtx)
	if err != nil {
		return err
	}
	c := client(cCtx)

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var solution *timelock.Solution
	if cCtx.Bool("server-side") {
		if _, err := c.StartSolver(ctx, id); err != nil {
			return explain(err)
		}
		progress, err := c.WaitForSolution(ctx, id, 5*time.Second)
		if err != nil {
			return explain(err)
		}
		solution = progress.Solution
	} else {
		solution, err = solveLocally(ctx, c, id)
		if err != nil {
			return err
		}
	}

	data, err := json.Marshal(solution)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cCtx.String("out"), data, 0600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "solution written to %s\n", cCtx.String("out"))
	return nil
}

// solveLocally marks the capsule SOLVING, squares on this machine and returns
// the capsule to LOCKED if interrupted.
func solveLocally(ctx context.Context, c *clients.ReleaseClient, id interfaces.ReleaseUnitID) (*timelock.Solution, error) {
	unit, err := c.Get(ctx, id)
	if err != nil {
		return nil, explain(err)
	}
	gate, err := interfaces.UnmarshalGate(unit.Gate)
	if err != nil {
		return nil, err
	}
	puzzleGate, ok := gate.(interfaces.PuzzleGate)
	if !ok || puzzleGate.Puzzle == nil {
		return nil, fmt.Errorf("unit %s is not a puzzle capsule", id)
	}

	if _, err := c.BeginSolving(ctx, id); err != nil {
		return nil, explain(err)
	}

	start := time.Now()
	solution, err := timelock.Solve(ctx, puzzleGate.Puzzle, timelock.SolveOptions{
		Progress: func(done, total uint64) {
			pct := float64(done) / float64(total) * 100
			fmt.Fprintf(os.Stderr, "\r%6.2f%%  %s elapsed", pct, time.Since(start).Round(time.Second))
		},
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		// ctx may be done; give the abandon call its own deadline.
		abandonCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, abandonErr := c.AbandonSolving(abandonCtx, id); abandonErr != nil {
			fmt.Fprintf(os.Stderr, "could not release SOLVING state: %v\n", abandonErr)
		}
		return nil, err
	}
	return solution, nil
}

// explain adds the gate details the server reported to err.
func explain(err error) error {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if gateErr := apiErr.GateError(); gateErr != nil {
		return fmt.Errorf("%w (%s)", err, gateErr.Error())
	}
	if apiErr.RetryAfter > 0 {
		return fmt.Errorf("%w (retry in %s)", err, apiErr.RetryAfter)
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
