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

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/blinklabs-io/gobitswap/cbor"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DefaultDatastorePrefix is the key namespace used when persisting ledger entries
var DefaultDatastorePrefix = datastore.NewKey("/ledger")

type entryRecord struct {
	cbor.StructAsArray
	BytesSent      uint64
	BytesReceived  uint64
	BlocksSent     uint64
	BlocksReceived uint64
	Penalties      uint64
	PenaltyBytes   uint64
	FirstSeen      int64
	LastActivity   int64
}

// Save writes all active and archived entries to the datastore
func (l *Ledger) Save(ctx context.Context, ds datastore.Datastore) error {
	l.mutex.Lock()
	entries := make([]Entry, 0, len(l.entries)+l.archived.Len())
	for _, e := range l.entries {
		entries = append(entries, *e)
	}
	for _, p := range l.archived.Keys() {
		if e, ok := l.lookupArchived(p); ok {
			entries = append(entries, *e)
		}
	}
	l.mutex.Unlock()
	for _, e := range entries {
		rec := entryRecord{
			BytesSent:      e.BytesSent,
			BytesReceived:  e.BytesReceived,
			BlocksSent:     e.BlocksSent,
			BlocksReceived: e.BlocksReceived,
			Penalties:      e.Penalties,
			PenaltyBytes:   e.PenaltyBytes,
			FirstSeen:      e.FirstSeen.UnixMilli(),
			LastActivity:   e.LastActivity.UnixMilli(),
		}
		data, err := cbor.Encode(&rec)
		if err != nil {
			return fmt.Errorf("encode ledger entry for %s: %w", e.Peer, err)
		}
		key := DefaultDatastorePrefix.ChildString(e.Peer.String())
		if err := ds.Put(ctx, key, data); err != nil {
			return fmt.Errorf("save ledger entry for %s: %w", e.Peer, err)
		}
	}
	return nil
}

// Load restores persisted entries into the archive, where they are picked up
// when the peer reconnects. Records that fail to decode are skipped
func (l *Ledger) Load(ctx context.Context, ds datastore.Datastore) (int, error) {
	results, err := ds.Query(ctx, query.Query{Prefix: DefaultDatastorePrefix.String()})
	if err != nil {
		return 0, fmt.Errorf("query ledger entries: %w", err)
	}
	defer results.Close()
	resultEntries, err := results.Rest()
	if err != nil {
		return 0, fmt.Errorf("read ledger entries: %w", err)
	}
	count := 0
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, result := range resultEntries {
		p, err := peer.Decode(datastore.NewKey(result.Key).BaseNamespace())
		if err != nil {
			l.logger.Warn("skipping ledger record with bad peer ID", "key", result.Key)
			continue
		}
		var rec entryRecord
		if _, err := cbor.Decode(result.Value, &rec); err != nil {
			l.logger.Warn("skipping undecodable ledger record", "key", result.Key, "error", err)
			continue
		}
		if _, ok := l.entries[p]; ok {
			continue
		}
		l.archived.Add(p, archivedEntry{archivedAt: time.Now(), entry: &Entry{
			Peer:           p,
			BytesSent:      rec.BytesSent,
			BytesReceived:  rec.BytesReceived,
			BlocksSent:     rec.BlocksSent,
			BlocksReceived: rec.BlocksReceived,
			Penalties:      rec.Penalties,
			PenaltyBytes:   rec.PenaltyBytes,
			FirstSeen:      time.UnixMilli(rec.FirstSeen),
			LastActivity:   time.UnixMilli(rec.LastActivity),
		}})
		count++
	}
	return count, nil
}
