package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/app"
	"github.com/liamcoop/anomalies/internal/config"
	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/ruleset"
	"github.com/liamcoop/anomalies/scan"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		logger.Fatal("anomalyctl failed", "error", err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:  "anomalyctl",
		Usage: "work with decision trees and anomaly scans from the command line",
		Commands: []*cli.Command{
			{
				Name:  "tree",
				Usage: "inspect decision tree documents",
				Subcommands: []*cli.Command{
					{
						Name:      "validate",
						Usage:     "check a document against the catalogue and the publication limits",
						ArgsUsage: "<file>",
						Action: func(c *cli.Context) error {
							return validateTree(out, c.Args().First())
						},
					},
					{
						Name:      "normalize",
						Usage:     "rewrite a document (legacy formats included) in the current format",
						ArgsUsage: "<file>",
						Action: func(c *cli.Context) error {
							return normalizeTree(out, c.Args().First())
						},
					},
					{
						Name:      "digest",
						Usage:     "print the canonical digest of a document",
						ArgsUsage: "<file>",
						Action: func(c *cli.Context) error {
							doc, err := readTree(c.Args().First())
							if err != nil {
								return err
							}
							digest, err := rules.Digest(doc)
							if err != nil {
								return err
							}
							_, err = fmt.Fprintln(out, digest)
							return err
						},
					},
				},
			},
			{
				Name:  "evaluate",
				Usage: "run a decision tree against a fixture without touching any database",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tree", Usage: "decision tree document (defaults to the built-in tree)"},
					&cli.StringFlag{Name: "fixture", Usage: "fixture file", Required: true},
					&cli.StringFlag{Name: "mode", Usage: "processing mode override: realtime or batch"},
				},
				Action: func(c *cli.Context) error {
					return runEvaluate(c.Context, out, c.String("tree"), c.String("fixture"), c.String("mode"))
				},
			},
			{
				Name:  "scan",
				Usage: "run scans against the configured database",
				Subcommands: []*cli.Command{
					{
						Name:  "batch",
						Usage: "evaluate every employee of the selected sites over a date range",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "from", Usage: "first day (YYYY-MM-DD), defaults to yesterday"},
							&cli.StringFlag{Name: "to", Usage: "last day (YYYY-MM-DD), defaults to yesterday"},
							&cli.StringSliceFlag{Name: "site", Usage: "restrict to a site, may be repeated"},
							&cli.BoolFlag{Name: "include-inactive", Usage: "also scan days where the site is inactive"},
							&cli.BoolFlag{Name: "retry-failures", Usage: "rerun failed units once"},
						},
						Action: runBatch(out),
					},
				},
			},
		},
	}
}

func readTree(path string) (*rules.Document, error) {
	if path == "" {
		return nil, cli.Exit("missing document path", 2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return rules.Import(data)
}

type treeSummary struct {
	Valid  bool          `json:"valid"`
	Digest string        `json:"digest,omitempty"`
	Nodes  int           `json:"nodes,omitempty"`
	Depth  int           `json:"depth,omitempty"`
	Issues []rules.Issue `json:"issues,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func validateTree(out io.Writer, path string) error {
	if path == "" {
		return cli.Exit("missing document path", 2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	registry, err := rules.NewRegistry()
	if err != nil {
		return err
	}
	doc, err := ruleset.NewManager(nil, registry).Validate(data)
	if err != nil {
		summary := treeSummary{Error: err.Error()}
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			summary.Issues = verr.Issues
		}
		if werr := writeJSON(out, summary); werr != nil {
			return werr
		}
		return cli.Exit("", 1)
	}

	digest, err := rules.Digest(doc)
	if err != nil {
		return err
	}
	nodes, depth := rules.CountNodes(doc.Tree)
	return writeJSON(out, treeSummary{Valid: true, Digest: digest, Nodes: nodes, Depth: depth})
}

func normalizeTree(out io.Writer, path string) error {
	doc, err := readTree(path)
	if err != nil {
		return err
	}
	data, err := rules.Export(doc)
	if err != nil {
		return err
	}
	_, err = out.Write(append(data, '\n'))
	return err
}

func runEvaluate(ctx context.Context, out io.Writer, treePath, fixturePath, mode string) error {
	var (
		doc *rules.Document
		err error
	)
	if treePath == "" {
		doc, err = rules.DefaultDocument()
	} else {
		doc, err = readTree(treePath)
	}
	if err != nil {
		return err
	}

	fx, err := loadFixture(fixturePath)
	if err != nil {
		return err
	}
	switch m := rules.ProcessingMode(strings.ToUpper(mode)); m {
	case "":
	case rules.Realtime, rules.Batch:
		fx.Mode = m
	default:
		return cli.Exit(fmt.Sprintf("unknown mode %q (use realtime or batch)", mode), 2)
	}

	result, err := evaluateFixture(ctx, doc, fx)
	if err != nil {
		return err
	}
	return writeJSON(out, result)
}

func runBatch(out io.Writer) cli.ActionFunc {
	return func(c *cli.Context) error {
		req := scan.BatchRequest{
			SiteIDs:         c.StringSlice("site"),
			IncludeInactive: c.Bool("include-inactive"),
		}
		var err error
		if s := c.String("from"); s != "" {
			if req.From, err = time.Parse(attendance.DateLayout, s); err != nil {
				return cli.Exit(fmt.Sprintf("invalid --from: %v", err), 2)
			}
		}
		if s := c.String("to"); s != "" {
			if req.To, err = time.Parse(attendance.DateLayout, s); err != nil {
				return cli.Exit(fmt.Sprintf("invalid --to: %v", err), 2)
			}
		}

		a, err := app.Open(c.Context, config.Load())
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Scanner.Batch(c.Context, req)
		if err != nil {
			return err
		}
		if c.Bool("retry-failures") && len(report.Failed()) > 0 {
			retry, err := a.Scanner.Retry(c.Context, report)
			if err != nil {
				return err
			}
			report.Merge(retry)
		}
		return writeJSON(out, report)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
