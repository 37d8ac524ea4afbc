// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command kvcored opens a kvcore database and exercises it from the
// command line: get/set/incr/decr/del against a single datadir,
// locked so only one process may hold it open at a time.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gofrs/flock"
	"github.com/urfave/cli/v2"

	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/kvcore/pkg/keyvalue"
	"github.com/erigontech/kvcore/pkg/keyvalue/api"
	"github.com/erigontech/kvcore/pkg/keyvalue/config"
	"github.com/erigontech/kvcore/pkg/kv/mdbxtree"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to a kvcored TOML config file",
}

func main() {
	app := &cli.App{
		Name:  "kvcored",
		Usage: "namespaced, expiring, write-back key-value store",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			getCmd, setCmd, delCmd, incrCmd, decrCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kvcored:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

// withDatabase opens the datadir lock, the mdbx tree, and the
// keyvalue API, runs fn, and unwinds everything in reverse order.
func withDatabase(c *cli.Context, fn func(ctx context.Context, db *api.Database) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	lockPath := filepath.Join(cfg.DataDir, "LOCK")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("datadir %s is already locked by another process", cfg.DataDir)
	}
	defer fl.Unlock()

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	tree, err := mdbxtree.Open(filepath.Join(cfg.DataDir, "kvcore.mdbx"))
	if err != nil {
		return err
	}
	defer tree.Close()

	ctx := c.Context
	db, err := api.Open(ctx, tree, cfg.Policy())
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			log.Warn("error closing database", "err", err)
		}
	}()

	return fn(ctx, db)
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "fetch a key",
	ArgsUsage: "<namespace> <key>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("usage: kvcored get <namespace> <key>")
		}
		return withDatabase(c, func(ctx context.Context, db *api.Database) error {
			out, err := db.Get(ctx, c.Args().Get(0), c.Args().Get(1), false)
			if err != nil {
				return err
			}
			printOutput(out)
			return nil
		})
	},
}

var setCmd = &cli.Command{
	Name:      "set",
	Usage:     "set a key to a UTF-8 string value",
	ArgsUsage: "<namespace> <key> <value>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return fmt.Errorf("usage: kvcored set <namespace> <key> <value>")
		}
		return withDatabase(c, func(ctx context.Context, db *api.Database) error {
			value := keyvalue.BytesValue([]byte(c.Args().Get(2)))
			out, err := db.Set(ctx, c.Args().Get(0), c.Args().Get(1), value)
			if err != nil {
				return err
			}
			fmt.Println(out.Status)
			return nil
		})
	},
}

var delCmd = &cli.Command{
	Name:      "del",
	Usage:     "delete a key",
	ArgsUsage: "<namespace> <key>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return fmt.Errorf("usage: kvcored del <namespace> <key>")
		}
		return withDatabase(c, func(ctx context.Context, db *api.Database) error {
			out, err := db.Delete(ctx, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return err
			}
			fmt.Println(out.Status)
			return nil
		})
	},
}

var incrCmd = &cli.Command{
	Name:      "incr",
	Usage:     "increment a numeric key by an integer amount",
	ArgsUsage: "<namespace> <key> <amount>",
	Action: func(c *cli.Context) error { return numericAction(c, true) },
}

var decrCmd = &cli.Command{
	Name:      "decr",
	Usage:     "decrement a numeric key by an integer amount",
	ArgsUsage: "<namespace> <key> <amount>",
	Action: func(c *cli.Context) error { return numericAction(c, false) },
}

func numericAction(c *cli.Context, increment bool) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: kvcored %s <namespace> <key> <amount>", c.Command.Name)
	}
	var amount int64
	if _, err := fmt.Sscanf(c.Args().Get(2), "%d", &amount); err != nil {
		return fmt.Errorf("invalid amount %q: %w", c.Args().Get(2), err)
	}
	return withDatabase(c, func(ctx context.Context, db *api.Database) error {
		var out keyvalue.Output
		var err error
		if increment {
			out, err = db.Increment(ctx, c.Args().Get(0), c.Args().Get(1), keyvalue.Int(amount), true)
		} else {
			out, err = db.Decrement(ctx, c.Args().Get(0), c.Args().Get(1), keyvalue.Int(amount), true)
		}
		if err != nil {
			return err
		}
		printOutput(out)
		return nil
	})
}

// serveMetrics starts the Prometheus exposition endpoint the
// kv_commits_total/kv_expired_total/kv_dirty_keys counters in
// keyvalue/store are registered against, at addr's "/metrics" path,
// the same shape as erigon's own metrics HTTP server. The returned
// func shuts it down; it never blocks the caller.
func serveMetrics(addr string) (func(), error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
	return func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("error shutting down metrics server", "err", err)
		}
	}, nil
}

func printOutput(out keyvalue.Output) {
	if out.Value == nil {
		fmt.Println("(nil)")
		return
	}
	if out.Value.IsNumeric {
		fmt.Println(out.Value.Numeric)
		return
	}
	fmt.Println(string(out.Value.Bytes))
}
