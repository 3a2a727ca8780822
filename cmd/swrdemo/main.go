// Command swrdemo exercises the swr facade end to end against a real HTTP
// fetcher, in the manual-switch CLI style of the pack's cmd/tokenman (no
// CLI framework — this corpus doesn't reach for one at this scale).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nullstream/swr"
	"github.com/nullstream/swr/internal/config"
	"github.com/nullstream/swr/internal/store"
)

func main() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "swrdemo: loading config: %v\n", err)
		os.Exit(1)
	}

	persistentStore := buildStore(cfg)
	engine := swr.NewSWR(swr.Options{
		AppName:            cfg.AppName,
		Fetcher:            httpFetcher{client: newHTTPClient()}.Fetch,
		DedupingInterval:   cfg.DedupingInterval(),
		ErrorRetryInterval: cfg.ErrorRetryInterval(),
		ErrorRetryCount:    cfg.ErrorRetryCount,
		EnableStats:        cfg.EnableStats,
	}, persistentStore, nil, swr.RealClock{})
	defer engine.Close()

	switch os.Args[1] {
	case "use":
		cmdUse(engine, os.Args[2])
	case "mutate":
		if len(os.Args) < 4 {
			printUsage()
			os.Exit(1)
		}
		cmdMutate(engine, os.Args[2], os.Args[3])
	case "config-export":
		if err := config.ExportConfig(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "swrdemo: %v\n", err)
			os.Exit(1)
		}
	case "config-import":
		if err := config.ImportConfig(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "swrdemo: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdUse(engine *swr.SWR, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := engine.Use(ctx, url, nil)
	defer sub.Close()

	select {
	case data := <-sub.Data:
		fmt.Printf("data: %v\n", data)
	case err := <-sub.Errors:
		fmt.Printf("error: %v\n", err)
	case <-ctx.Done():
		fmt.Println("timed out waiting for data")
	}
}

func cmdMutate(engine *swr.SWR, url string, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := (swr.KeyCodec{}).Encode([]any{url})
	if err != nil {
		fmt.Fprintf(os.Stderr, "swrdemo: encoding key: %v\n", err)
		os.Exit(1)
	}
	resolved, err := engine.Mutate(ctx, key, value, nil, swr.UseOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "swrdemo: mutate: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mutated: %v\n", resolved)
}

func buildStore(cfg *config.Config) swr.PersistentStore {
	switch cfg.Store.Backend {
	case "freecache":
		sizeMB := cfg.Store.SizeMB
		if sizeMB <= 0 {
			sizeMB = 32
		}
		return store.NewFreecacheStore(sizeMB * 1024 * 1024)
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "swr.db"
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			log.Warn().Err(err).Msg("swrdemo: falling back to no persistent store")
			return swr.NoStore{}
		}
		return s
	default:
		return swr.NoStore{}
	}
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func printUsage() {
	fmt.Println(`Usage: swrdemo <command> [args]

Commands:
  use <url>              Fetch (or reuse the cached value for) url
  mutate <url> <value>   Optimistically set url's cached value
  config-export <path>   Write the active config to path as TOML
  config-import <path>   Load a TOML config file and make it active`)
}
