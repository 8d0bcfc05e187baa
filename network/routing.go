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

package network

import (
	"context"
	"log/slog"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
)

// findProviders runs a provider search against a content router, skipping
// ourselves. addrFunc, if set, is called with each provider's addresses
// before the ID is delivered
func findProviders(
	ctx context.Context,
	router routing.ContentRouting,
	self peer.ID,
	c cid.Cid,
	max int,
	addrFunc func(peer.AddrInfo),
	logger *slog.Logger,
) <-chan peer.ID {
	if max < 0 {
		max = 0
	}
	out := make(chan peer.ID, max)
	if router == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		providers := router.FindProvidersAsync(ctx, c, max)
		for info := range providers {
			if info.ID == self {
				continue
			}
			if addrFunc != nil {
				addrFunc(info)
			}
			logger.Debug(
				"found provider",
				"peer", info.ID.String(),
				"cid", c.String(),
			)
			select {
			case <-ctx.Done():
				// Drain so the router's goroutine can finish
				for range providers {
				}
				return
			case out <- info.ID:
			}
		}
	}()
	return out
}
