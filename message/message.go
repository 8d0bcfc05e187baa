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

// Package message implements the Bitswap exchange message and its wire codec
package message

import (
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// WantType is the kind of a want-list entry
type WantType int32

const (
	WantTypeBlock WantType = 0
	WantTypeHave  WantType = 1
)

func (w WantType) String() string {
	switch w {
	case WantTypeBlock:
		return "WantBlock"
	case WantTypeHave:
		return "WantHave"
	}
	return fmt.Sprintf("WantType(%d)", int32(w))
}

// PresenceType is the kind of a block presence
type PresenceType int32

const (
	PresenceTypeHave     PresenceType = 0
	PresenceTypeDontHave PresenceType = 1
)

func (p PresenceType) String() string {
	switch p {
	case PresenceTypeHave:
		return "Have"
	case PresenceTypeDontHave:
		return "DontHave"
	}
	return fmt.Sprintf("PresenceType(%d)", int32(p))
}

// Entry is a single want-list entry
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	WantType     WantType
	Cancel       bool
	SendDontHave bool
}

// BlockPresence tells a peer whether we have a block
type BlockPresence struct {
	Cid  cid.Cid
	Type PresenceType
}

// Message is the unit exchanged between peers. The same message type is used in
// both directions
type Message struct {
	// Wantlist holds new wants, upgrades and cancels
	Wantlist []Entry
	// Full indicates that Wantlist replaces the sender's previous want-list
	Full           bool
	Blocks         []blocks.Block
	BlockPresences []BlockPresence
	PendingBytes   int32
}

// New returns an empty message
func New(full bool) *Message {
	return &Message{
		Full: full,
	}
}

// AddEntry adds a want or cancel to the message
func (m *Message) AddEntry(entry Entry) {
	m.Wantlist = append(m.Wantlist, entry)
}

// Cancel adds a cancel entry for the CID
func (m *Message) Cancel(c cid.Cid) {
	m.Wantlist = append(m.Wantlist, Entry{Cid: c, Cancel: true})
}

// AddBlock adds a block delivery
func (m *Message) AddBlock(b blocks.Block) {
	m.Blocks = append(m.Blocks, b)
}

// AddHave adds a Have presence
func (m *Message) AddHave(c cid.Cid) {
	m.BlockPresences = append(m.BlockPresences, BlockPresence{Cid: c, Type: PresenceTypeHave})
}

// AddDontHave adds a DontHave presence
func (m *Message) AddDontHave(c cid.Cid) {
	m.BlockPresences = append(m.BlockPresences, BlockPresence{Cid: c, Type: PresenceTypeDontHave})
}

// Empty returns true if the message has nothing to send. A full empty want-list
// still needs to be sent since it clears the remote state
func (m *Message) Empty() bool {
	return len(m.Wantlist) == 0 &&
		len(m.Blocks) == 0 &&
		len(m.BlockPresences) == 0 &&
		!m.Full
}

// Haves returns the CIDs with a Have presence
func (m *Message) Haves() []cid.Cid {
	return m.presences(PresenceTypeHave)
}

// DontHaves returns the CIDs with a DontHave presence
func (m *Message) DontHaves() []cid.Cid {
	return m.presences(PresenceTypeDontHave)
}

func (m *Message) presences(presenceType PresenceType) []cid.Cid {
	var ret []cid.Cid
	for _, bp := range m.BlockPresences {
		if bp.Type == presenceType {
			ret = append(ret, bp.Cid)
		}
	}
	return ret
}

// BlockBytes returns the total payload size of the blocks in the message
func (m *Message) BlockBytes() int {
	total := 0
	for _, b := range m.Blocks {
		total += len(b.RawData())
	}
	return total
}
