package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/seed"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hybridctl:", err)
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:      "hybridctl",
		Usage:     "operate a hybrid retrieval API",
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Value:   "http://localhost:8080",
				EnvVars: []string{"HYBRID_API_URL"},
				Usage:   "base URL of the API process",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 90 * time.Second,
				Usage: "per-request timeout",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(logging.New(c.App.ErrWriter, "hybridctl", c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "route",
				Usage:     "show which strategy the router picks for a question",
				ArgsUsage: "QUESTION",
				Flags:     []cli.Flag{strategyFlag()},
				Action: func(c *cli.Context) error {
					req, err := queryRequest(c)
					if err != nil {
						return err
					}
					out, err := client(c).Route(c.Context, req)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				},
			},
			{
				Name:      "query",
				Usage:     "retrieve synthesized context for a question",
				ArgsUsage: "QUESTION",
				Flags: []cli.Flag{
					strategyFlag(),
					&cli.IntFlag{Name: "max-items", Usage: "maximum context items"},
					&cli.BoolFlag{Name: "answer", Usage: "also generate an answer"},
				},
				Action: func(c *cli.Context) error {
					req, err := queryRequest(c)
					if err != nil {
						return err
					}
					req.MaxItems = c.Int("max-items")
					out, err := client(c).Query(c.Context, req, c.Bool("answer"))
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, out)
				},
			},
			{
				Name:      "seed",
				Usage:     "apply a YAML ontology seed through the API",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "dry-run", Usage: "validate the file without writing"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return domain.NewError(domain.ErrInvalidInput, "seed", "seed file is required")
					}
					parsed, err := seed.LoadFile(path)
					if err != nil {
						return err
					}
					if c.Bool("dry-run") {
						return printJSON(c.App.Writer, usecase.SeedResult{
							Concepts:  len(parsed.Concepts),
							Relations: len(parsed.Relations),
							Links:     len(parsed.EntityLinks),
						})
					}
					result, err := usecase.ApplySeed(c.Context, client(c), parsed, slog.Default())
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, result)
				},
			},
			{
				Name:      "index",
				Usage:     "index a plain-text document through the API",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "document id; derived from the text when empty"},
					&cli.StringSliceFlag{Name: "meta", Usage: "metadata as key=value, repeatable"},
					&cli.BoolFlag{Name: "async", Usage: "let the worker build cross references"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return domain.NewError(domain.ErrInvalidInput, "index", "document file is required")
					}
					text, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read document: %w", err)
					}
					metadata, err := parseMetadata(c.StringSlice("meta"))
					if err != nil {
						return err
					}
					input := domain.DocumentInput{ID: c.String("id"), Text: string(text), Metadata: metadata}
					result, err := client(c).IndexDocument(c.Context, input, c.Bool("async"))
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, result)
				},
			},
			{
				Name:      "delete",
				Usage:     "remove a document's fragments and graph nodes",
				ArgsUsage: "DOCUMENT_ID",
				Action: func(c *cli.Context) error {
					documentID := strings.TrimSpace(c.Args().First())
					if documentID == "" {
						return domain.NewError(domain.ErrInvalidInput, "delete", "document id is required")
					}
					result, err := client(c).DeleteDocument(c.Context, documentID)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, result)
				},
			},
			{
				Name:  "stats",
				Usage: "print ontology, cache and cross-reference counters",
				Action: func(c *cli.Context) error {
					stats, err := client(c).Stats(c.Context)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, stats)
				},
			},
		},
	}
}

func strategyFlag() cli.Flag {
	return &cli.StringFlag{Name: "strategy", Usage: "force vector, graph or hybrid"}
}

func client(c *cli.Context) *apiClient {
	return newAPIClient(c.String("api-url"), &http.Client{Timeout: c.Duration("timeout")})
}

func queryRequest(c *cli.Context) (domain.QueryRequest, error) {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return domain.QueryRequest{}, domain.NewError(domain.ErrInvalidQuery, "build query", "question is required")
	}
	if _, err := domain.ParseStrategy(c.String("strategy")); err != nil {
		return domain.QueryRequest{}, err
	}
	return domain.QueryRequest{Text: text, StrategyHint: c.String("strategy")}, nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, domain.NewError(domain.ErrInvalidInput, "parse metadata", "expected key=value, got %q", pair)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
