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

package message

import (
	"fmt"

	"github.com/blinklabs-io/gobitswap/protocol"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf field numbers
const (
	fieldMessageWantlist       protowire.Number = 1
	fieldMessageBlocks         protowire.Number = 2
	fieldMessagePayload        protowire.Number = 3
	fieldMessageBlockPresences protowire.Number = 4
	fieldMessagePendingBytes   protowire.Number = 5

	fieldWantlistEntries protowire.Number = 1
	fieldWantlistFull    protowire.Number = 2

	fieldEntryBlock        protowire.Number = 1
	fieldEntryPriority     protowire.Number = 2
	fieldEntryCancel       protowire.Number = 3
	fieldEntryWantType     protowire.Number = 4
	fieldEntrySendDontHave protowire.Number = 5

	fieldBlockPrefix protowire.Number = 1
	fieldBlockData   protowire.Number = 2

	fieldPresenceCid  protowire.Number = 1
	fieldPresenceType protowire.Number = 2
)

// v0 blocks carry no prefix and are always CIDv0 (dag-pb, SHA2-256)
var legacyPrefix = cid.Prefix{
	Version:  0,
	Codec:    cid.DagProtobuf,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// Encode returns the protobuf encoding of the message using the wire shape
// for the provided protocol version. Features the version doesn't support are
// degraded: want-have entries become want-block and presences are dropped
func Encode(msg *Message, version protocol.ProtocolVersion) []byte {
	var buf []byte
	if len(msg.Wantlist) > 0 || msg.Full {
		buf = protowire.AppendTag(buf, fieldMessageWantlist, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeWantlist(msg, version))
	}
	for _, b := range msg.Blocks {
		buf = appendBlock(buf, b, version)
	}
	if version.EnableBlockPresences {
		for _, bp := range msg.BlockPresences {
			buf = protowire.AppendTag(buf, fieldMessageBlockPresences, protowire.BytesType)
			buf = protowire.AppendBytes(buf, encodePresence(bp))
		}
		if msg.PendingBytes != 0 {
			buf = protowire.AppendTag(buf, fieldMessagePendingBytes, protowire.VarintType)
			buf = protowire.AppendVarint(buf, uint64(int64(msg.PendingBytes)))
		}
	}
	return buf
}

func encodeWantlist(msg *Message, version protocol.ProtocolVersion) []byte {
	var buf []byte
	for _, entry := range msg.Wantlist {
		buf = protowire.AppendTag(buf, fieldWantlistEntries, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeEntry(entry, version))
	}
	if msg.Full {
		buf = protowire.AppendTag(buf, fieldWantlistFull, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	return buf
}

func encodeEntry(entry Entry, version protocol.ProtocolVersion) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldEntryBlock, protowire.BytesType)
	buf = protowire.AppendBytes(buf, entry.Cid.Bytes())
	if entry.Priority != 0 {
		buf = protowire.AppendTag(buf, fieldEntryPriority, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(entry.Priority)))
	}
	if entry.Cancel {
		buf = protowire.AppendTag(buf, fieldEntryCancel, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if version.EnableWantHave && entry.WantType != WantTypeBlock {
		buf = protowire.AppendTag(buf, fieldEntryWantType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(entry.WantType))
	}
	if version.EnableSendDontHave && entry.SendDontHave {
		buf = protowire.AppendTag(buf, fieldEntrySendDontHave, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	return buf
}

func appendBlock(buf []byte, b blocks.Block, version protocol.ProtocolVersion) []byte {
	if version.MessageShape == protocol.MessageShapeV0 {
		buf = protowire.AppendTag(buf, fieldMessageBlocks, protowire.BytesType)
		return protowire.AppendBytes(buf, b.RawData())
	}
	var tmp []byte
	tmp = protowire.AppendTag(tmp, fieldBlockPrefix, protowire.BytesType)
	tmp = protowire.AppendBytes(tmp, b.Cid().Prefix().Bytes())
	tmp = protowire.AppendTag(tmp, fieldBlockData, protowire.BytesType)
	tmp = protowire.AppendBytes(tmp, b.RawData())
	buf = protowire.AppendTag(buf, fieldMessagePayload, protowire.BytesType)
	return protowire.AppendBytes(buf, tmp)
}

func encodePresence(bp BlockPresence) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldPresenceCid, protowire.BytesType)
	buf = protowire.AppendBytes(buf, bp.Cid.Bytes())
	if bp.Type != PresenceTypeHave {
		buf = protowire.AppendTag(buf, fieldPresenceType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(bp.Type))
	}
	return buf
}

func invalidMessage(format string, args ...any) error {
	return fmt.Errorf(
		"%w: %s",
		protocol.ErrProtocolViolationInvalidMessage,
		fmt.Sprintf(format, args...),
	)
}

// fieldIter walks the top-level fields of a protobuf message
type fieldIter struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	err  error
}

// next consumes the next field tag. It returns false at the end of the data or
// on error
func (f *fieldIter) next() bool {
	if f.err != nil || len(f.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(f.data)
	if n < 0 {
		f.err = invalidMessage("bad field tag: %s", protowire.ParseError(n))
		return false
	}
	f.num = num
	f.typ = typ
	f.data = f.data[n:]
	return true
}

func (f *fieldIter) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.err = invalidMessage("field %d: expected bytes, got wire type %d", f.num, f.typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(f.data)
	if n < 0 {
		f.err = invalidMessage("field %d: %s", f.num, protowire.ParseError(n))
		return nil
	}
	f.data = f.data[n:]
	return v
}

func (f *fieldIter) varint() uint64 {
	if f.typ != protowire.VarintType {
		f.err = invalidMessage("field %d: expected varint, got wire type %d", f.num, f.typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(f.data)
	if n < 0 {
		f.err = invalidMessage("field %d: %s", f.num, protowire.ParseError(n))
		return 0
	}
	f.data = f.data[n:]
	return v
}

// skip discards the value of an unknown field
func (f *fieldIter) skip() {
	n := protowire.ConsumeFieldValue(f.num, f.typ, f.data)
	if n < 0 {
		f.err = invalidMessage("field %d: %s", f.num, protowire.ParseError(n))
		return
	}
	f.data = f.data[n:]
}

// Decode parses a protobuf-encoded message. Both block layouts are accepted
// regardless of the negotiated version. The returned blocks reference data
// in the provided slice
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	iter := &fieldIter{data: data}
	for iter.next() {
		switch iter.num {
		case fieldMessageWantlist:
			wantlistData := iter.bytes()
			if iter.err != nil {
				break
			}
			if err := decodeWantlist(wantlistData, msg); err != nil {
				return nil, err
			}
		case fieldMessageBlocks:
			blockData := iter.bytes()
			if iter.err != nil {
				break
			}
			b, err := newBlock(blockData, legacyPrefix)
			if err != nil {
				return nil, err
			}
			msg.Blocks = append(msg.Blocks, b)
		case fieldMessagePayload:
			payloadData := iter.bytes()
			if iter.err != nil {
				break
			}
			b, err := decodePayload(payloadData)
			if err != nil {
				return nil, err
			}
			msg.Blocks = append(msg.Blocks, b)
		case fieldMessageBlockPresences:
			presenceData := iter.bytes()
			if iter.err != nil {
				break
			}
			bp, err := decodePresence(presenceData)
			if err != nil {
				return nil, err
			}
			msg.BlockPresences = append(msg.BlockPresences, bp)
		case fieldMessagePendingBytes:
			msg.PendingBytes = int32(iter.varint())
		default:
			iter.skip()
		}
	}
	if iter.err != nil {
		return nil, iter.err
	}
	return msg, nil
}

func decodeWantlist(data []byte, msg *Message) error {
	iter := &fieldIter{data: data}
	for iter.next() {
		switch iter.num {
		case fieldWantlistEntries:
			entryData := iter.bytes()
			if iter.err != nil {
				break
			}
			entry, err := decodeEntry(entryData)
			if err != nil {
				return err
			}
			msg.Wantlist = append(msg.Wantlist, entry)
		case fieldWantlistFull:
			msg.Full = protowire.DecodeBool(iter.varint())
		default:
			iter.skip()
		}
	}
	return iter.err
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	iter := &fieldIter{data: data}
	for iter.next() {
		switch iter.num {
		case fieldEntryBlock:
			cidData := iter.bytes()
			if iter.err != nil {
				break
			}
			c, err := cid.Cast(cidData)
			if err != nil {
				return entry, invalidMessage("bad want-list CID: %s", err)
			}
			entry.Cid = c
		case fieldEntryPriority:
			entry.Priority = int32(iter.varint())
		case fieldEntryCancel:
			entry.Cancel = protowire.DecodeBool(iter.varint())
		case fieldEntryWantType:
			wantType := WantType(iter.varint())
			if iter.err == nil && wantType != WantTypeBlock && wantType != WantTypeHave {
				return entry, invalidMessage("unknown want type %d", wantType)
			}
			entry.WantType = wantType
		case fieldEntrySendDontHave:
			entry.SendDontHave = protowire.DecodeBool(iter.varint())
		default:
			iter.skip()
		}
	}
	if iter.err != nil {
		return entry, iter.err
	}
	if !entry.Cid.Defined() {
		return entry, invalidMessage("want-list entry with no CID")
	}
	return entry, nil
}

func decodePayload(data []byte) (blocks.Block, error) {
	var prefixData, blockData []byte
	iter := &fieldIter{data: data}
	for iter.next() {
		switch iter.num {
		case fieldBlockPrefix:
			prefixData = iter.bytes()
		case fieldBlockData:
			blockData = iter.bytes()
		default:
			iter.skip()
		}
	}
	if iter.err != nil {
		return nil, iter.err
	}
	prefix, err := cid.PrefixFromBytes(prefixData)
	if err != nil {
		return nil, invalidMessage("bad block prefix: %s", err)
	}
	return newBlock(blockData, prefix)
}

func newBlock(data []byte, prefix cid.Prefix) (blocks.Block, error) {
	// The CID is computed from the data, so a delivered block always matches
	// the CID it is filed under
	c, err := prefix.Sum(data)
	if err != nil {
		return nil, invalidMessage("cannot hash block: %s", err)
	}
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, invalidMessage("bad block: %s", err)
	}
	return b, nil
}

func decodePresence(data []byte) (BlockPresence, error) {
	var bp BlockPresence
	iter := &fieldIter{data: data}
	for iter.next() {
		switch iter.num {
		case fieldPresenceCid:
			cidData := iter.bytes()
			if iter.err != nil {
				break
			}
			c, err := cid.Cast(cidData)
			if err != nil {
				return bp, invalidMessage("bad presence CID: %s", err)
			}
			bp.Cid = c
		case fieldPresenceType:
			presenceType := PresenceType(iter.varint())
			if iter.err == nil && presenceType != PresenceTypeHave && presenceType != PresenceTypeDontHave {
				return bp, invalidMessage("unknown presence type %d", presenceType)
			}
			bp.Type = presenceType
		default:
			iter.skip()
		}
	}
	if iter.err != nil {
		return bp, iter.err
	}
	if !bp.Cid.Defined() {
		return bp, invalidMessage("block presence with no CID")
	}
	return bp, nil
}
