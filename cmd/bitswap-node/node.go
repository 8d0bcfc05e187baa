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
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/blinklabs-io/gobitswap"
	"github.com/blinklabs-io/gobitswap/blockstore"
	"github.com/blinklabs-io/gobitswap/metrics"
	"github.com/blinklabs-io/gobitswap/network"
	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger2"
	levelds "github.com/ipfs/go-ds-leveldb"
	measure "github.com/ipfs/go-ds-measure"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	datastoreLevelDB = "leveldb"
	datastoreBadger  = "badger"
	datastoreMemory  = "memory"

	bootstrapRetries   = 5
	bootstrapTimeout   = 30 * time.Second
	metricsReadTimeout = 10 * time.Second
)

// Node bundles a running exchange with everything it was built on
type Node struct {
	Bitswap    *bitswap.Bitswap
	Blockstore blockstore.Blockstore
	Host       host.Host
	config     *Config
	logger     *slog.Logger
	datastore  datastore.Batching
	cache      *blockstore.CachedBlockstore
	dht        *dht.IpfsDHT
	network    *network.Libp2pNetwork
	registry   *prometheus.Registry
}

func openDatastore(cfg *Config) (datastore.Batching, error) {
	var ds datastore.Batching
	switch cfg.Datastore {
	case datastoreMemory:
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	case datastoreLevelDB, datastoreBadger:
		dsDir := filepath.Join(cfg.Repo, "datastore")
		if err := os.MkdirAll(dsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dsDir, err)
		}
		var err error
		if cfg.Datastore == datastoreLevelDB {
			ds, err = levelds.NewDatastore(dsDir, nil)
		} else {
			ds, err = badger.NewDatastore(dsDir, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s datastore: %w", cfg.Datastore, err)
		}
	default:
		return nil, fmt.Errorf("unknown datastore type: %s", cfg.Datastore)
	}
	return measure.New("bitswap.datastore", ds), nil
}

func loadBootstrap(cfg *Config) (*bitswap.BootstrapConfig, error) {
	ret := &bitswap.BootstrapConfig{}
	if cfg.BootstrapFile != "" {
		tmpCfg, err := bitswap.NewBootstrapConfigFromFile(cfg.BootstrapFile)
		if err != nil {
			return nil, err
		}
		ret = tmpCfg
	}
	ret.Addrs = append(ret.Addrs, cfg.Peers...)
	return ret, nil
}

// NewNode builds the datastore, libp2p host, DHT and exchange described by
// the config
func NewNode(ctx context.Context, cfg *Config, logger *slog.Logger) (*Node, error) {
	n := &Node{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := n.setup(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) setup(ctx context.Context) error {
	bootstrapCfg, err := loadBootstrap(n.config)
	if err != nil {
		return err
	}
	bootstrapPeers, err := bootstrapCfg.AddrInfos()
	if err != nil {
		return err
	}
	ds, err := openDatastore(n.config)
	if err != nil {
		return err
	}
	n.datastore = ds
	n.cache, err = blockstore.NewCachedBlockstore(
		blockstore.NewBlockstore(ds),
		blockstore.DefaultCacheConfig(),
	)
	if err != nil {
		return err
	}
	n.Blockstore = n.cache
	n.Host, err = libp2p.New(libp2p.ListenAddrStrings(n.config.Listen...))
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}
	dhtOpts := []dht.Option{dht.Mode(dht.ModeAuto)}
	if len(bootstrapPeers) > 0 {
		dhtOpts = append(dhtOpts, dht.BootstrapPeers(bootstrapPeers...))
	}
	n.dht, err = dht.New(ctx, n.Host, dhtOpts...)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}
	n.network = network.NewLibp2pNetwork(
		n.Host,
		network.WithContentRouting(n.dht),
		network.WithProtocolPrefix(n.config.ProtocolPrefix),
		network.WithLibp2pLogger(n.logger),
	)
	bsCfg := n.config.Bitswap
	n.Bitswap, err = bitswap.New(
		bitswap.WithNetwork(n.network),
		bitswap.WithBlockstore(n.Blockstore),
		bitswap.WithLogger(n.logger),
		bitswap.WithMetrics(metrics.New(n.registry)),
		bitswap.WithLedgerDatastore(ds),
		bitswap.WithQuietMode(bsCfg.QuietMode),
		bitswap.WithMaxWants(bsCfg.MaxWants),
		bitswap.WithWantTimeout(bsCfg.WantTimeout),
		bitswap.WithMaxEntriesPerPeer(bsCfg.MaxEntriesPerPeer),
		bitswap.WithBroadcastPeers(bsCfg.BroadcastPeers),
		bitswap.WithProvide(bsCfg.Provide),
		bitswap.WithBootstrapConfig(bootstrapCfg),
		bitswap.WithPeerClosedFunc(func(p peer.ID, err error) {
			if err != nil {
				n.logger.Debug("peer closed", "peer", p.String(), "error", err)
			}
		}),
	)
	if err != nil {
		return err
	}
	for _, addr := range n.Host.Addrs() {
		n.logger.Info(
			"listening",
			"addr", addr.Encapsulate(multiaddr.StringCast("/p2p/"+n.Host.ID().String())).String(),
		)
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	n.connectBootstrap(ctx, bootstrapPeers)
	return nil
}

// connectBootstrap dials the bootstrap peers in parallel. Peers that can't be
// reached after the retries are logged and skipped
func (n *Node) connectBootstrap(ctx context.Context, peers []peer.AddrInfo) {
	if len(peers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	var eg errgroup.Group
	for _, info := range peers {
		eg.Go(func() error {
			b := backoff.WithContext(
				backoff.WithMaxRetries(backoff.NewExponentialBackOff(), bootstrapRetries),
				ctx,
			)
			err := backoff.Retry(
				func() error {
					return n.Host.Connect(ctx, info)
				},
				b,
			)
			if err != nil {
				n.logger.Warn(
					"failed to connect to bootstrap peer",
					"peer", info.ID.String(),
					"error", err,
				)
				return nil
			}
			n.logger.Info("connected to bootstrap peer", "peer", info.ID.String())
			return nil
		})
	}
	_ = eg.Wait()
}

// Serve blocks until ctx is done, exposing metrics if configured and
// relaying exchange errors to the log
func (n *Node) Serve(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	if n.config.MetricsListen != "" {
		server := &http.Server{
			Addr: n.config.MetricsListen,
			Handler: promhttp.HandlerFor(
				n.registry,
				promhttp.HandlerOpts{},
			),
			ReadHeaderTimeout: metricsReadTimeout,
		}
		eg.Go(func() error {
			n.logger.Info("serving metrics", "addr", n.config.MetricsListen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-n.Bitswap.ErrorChan():
				if !ok {
					return nil
				}
				n.logger.Warn("bitswap error", "error", err)
			}
		}
	})
	return eg.Wait()
}

// Close shuts everything down in reverse order of creation
func (n *Node) Close() {
	if n.Bitswap != nil {
		if err := n.Bitswap.Close(); err != nil {
			n.logger.Error("failed to close bitswap", "error", err)
		}
	}
	if n.dht != nil {
		_ = n.dht.Close()
	}
	if n.Host != nil {
		_ = n.Host.Close()
	}
	if n.cache != nil {
		n.cache.Close()
	}
	if n.datastore != nil {
		if err := n.datastore.Close(); err != nil {
			n.logger.Error("failed to close datastore", "error", err)
		}
	}
}
