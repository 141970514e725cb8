// Command retrieve runs a spreading-activation retrieval against a DGraph
// store from the command line: one or more seed node ids with similarity
// scores, an optional set of query tags, and one of the three result
// formatters (chosen with -format) printed for inspection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reflective-memory-kernel/internal/graph"
)

func main() {
	var (
		dgraphAddr  = flag.String("dgraph", getEnv("DGRAPH_URL", "localhost:9080"), "DGraph gRPC address")
		configPath  = flag.String("config", "", "path to a traversal config YAML file (optional)")
		seedFlag    = flag.String("seeds", "", "comma-separated seed_id:score pairs, e.g. n1:0.9,n2:0.4")
		tagsFlag    = flag.String("tags", "", "comma-separated query tags")
		format      = flag.String("format", "llm", "output format: llm, visualization, debug")
		connTimeout = flag.Duration("connect-timeout", 30*time.Second, "graph store connect timeout")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	seeds, err := parseSeeds(*seedFlag)
	if err != nil {
		logger.Fatal("invalid -seeds", zap.Error(err))
	}
	var queryTags []string
	if *tagsFlag != "" {
		queryTags = strings.Split(*tagsFlag, ",")
	}

	cfg := graph.DefaultConfig()
	if *configPath != "" {
		cfg, err = graph.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *connTimeout)
	connCfg := graph.DefaultConnectorConfig()
	connCfg.Address = *dgraphAddr
	connector, err := graph.NewConnector(ctx, connCfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to graph store", zap.Error(err))
	}
	defer connector.Close()

	engine, err := graph.NewEngine(connector, cfg, logger)
	if err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := engine.Explore(ctx, seeds, queryTags)
	if err != nil {
		logger.Fatal("explore failed to start", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for result := range results {
		if result.Err != nil {
			logger.Warn("seed exploration failed", zap.String("seed", result.Seed.NodeID), zap.Error(result.Err))
		}
		switch *format {
		case "visualization":
			enc.Encode(graph.ToVisualization(result))
		case "debug":
			enc.Encode(graph.ToDebugQueries(result))
		default:
			enc.Encode(graph.ToLLMContext(result))
		}
	}
}

func parseSeeds(raw string) ([]graph.SeedInput, error) {
	if raw == "" {
		return nil, fmt.Errorf("at least one seed is required")
	}
	var seeds []graph.SeedInput
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed seed %q, expected id:score", pair)
		}
		score, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed score in %q: %w", pair, err)
		}
		seeds = append(seeds, graph.SeedInput{NodeID: parts[0], Score: score})
	}
	return seeds, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
