// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blinklabs-io/gobitswap/block"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
)

const defaultGetTimeout = 5 * time.Minute

func main() {
	app := &cli.App{
		Name:  "bitswap-node",
		Usage: "exchange content-addressed blocks with peers over bitswap",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "serve blocks until interrupted",
				Action: runCommand,
			},
			{
				Name:      "get",
				Usage:     "fetch a block",
				ArgsUsage: "<cid>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "file to write the block to (defaults to stdout)",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "how long to wait for the block",
						Value: defaultGetTimeout,
					},
				},
				Action: getCommand,
			},
			{
				Name:      "add",
				Usage:     "store a file as a raw block and serve it",
				ArgsUsage: "<file>",
				Action:    addCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to config file",
		},
		&cli.StringFlag{
			Name:  "repo",
			Usage: "directory for persistent data",
		},
		&cli.StringFlag{
			Name:  "datastore",
			Usage: "datastore backend (leveldb, badger or memory)",
		},
		&cli.StringSliceFlag{
			Name:  "listen",
			Usage: "multiaddr to listen on (may be repeated)",
		},
		&cli.StringFlag{
			Name:  "bootstrap-file",
			Usage: "JSON file listing bootstrap peers",
		},
		&cli.StringSliceFlag{
			Name:  "peer",
			Usage: "multiaddr of a peer to connect to, including /p2p/<id> (may be repeated)",
		},
		&cli.BoolFlag{
			Name:  "quiet-mode",
			Usage: "don't answer DontHave for blocks we lack",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "address to serve prometheus metrics on",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (text or json)",
		},
	}
}

// startNode loads the config and starts a node. The returned context is
// cancelled on SIGINT or SIGTERM
func startNode(c *cli.Context) (*Node, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return node, ctx, cancel, nil
}

func runCommand(c *cli.Context) error {
	node, ctx, cancel, err := startNode(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer node.Close()
	return node.Serve(ctx)
}

func getCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one CID")
	}
	blockCid, err := cid.Decode(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid CID: %w", err)
	}
	node, ctx, cancel, err := startNode(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer node.Close()
	ctx, getCancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer getCancel()
	blk, err := node.Bitswap.GetBlock(ctx, blockCid)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", blockCid, err)
	}
	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = out.Write(blk.RawData())
	return err
}

func addCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one file")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	blk, err := block.NewRawBlock(data)
	if err != nil {
		return err
	}
	node, ctx, cancel, err := startNode(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer node.Close()
	if err := node.Bitswap.NotifyNewBlocks(ctx, blk); err != nil {
		return err
	}
	fmt.Println(blk.Cid().String())
	return node.Serve(ctx)
}
