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
	"errors"
	"fmt"
	"io"

	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize is the default maximum frame payload size
const MaxMessageSize = 2 * 1024 * 1024

// Room for the want-list wrapper, full flag and pending bytes in each frame
const frameOverhead = 32

// EncodedBlockSize returns the number of bytes a block of the given payload and
// prefix size adds to a v1 message
func EncodedBlockSize(dataSize int, prefixSize int) int {
	inner := protowire.SizeTag(fieldBlockPrefix) + protowire.SizeBytes(prefixSize) +
		protowire.SizeTag(fieldBlockData) + protowire.SizeBytes(dataSize)
	return protowire.SizeTag(fieldMessagePayload) + protowire.SizeBytes(inner)
}

// FitsInFrame returns true if a block with the given payload size can be sent
// in a single frame of maxSize bytes
func FitsInFrame(dataSize int, maxSize int) bool {
	// CID prefixes are at most a handful of varints
	const maxPrefixSize = 16
	return EncodedBlockSize(dataSize, maxPrefixSize)+frameOverhead <= maxSize
}

// Split divides a message into messages whose encoding fits within maxSize.
// Only the first message carries the Full flag and pending bytes hint, so the
// remote side replaces its want-list once and then appends. A block that
// can't fit in any frame results in protocol.ErrBlockTooLarge
func Split(msg *Message, version protocol.ProtocolVersion, maxSize int) ([]*Message, error) {
	budget := maxSize - frameOverhead
	if budget <= 0 {
		return nil, fmt.Errorf("max message size too small: %d", maxSize)
	}
	var ret []*Message
	current := &Message{
		Full:         msg.Full,
		PendingBytes: msg.PendingBytes,
	}
	used := 0
	add := func(cost int) {
		if used > 0 && used+cost > budget {
			ret = append(ret, current)
			current = &Message{}
			used = 0
		}
		used += cost
	}
	for _, entry := range msg.Wantlist {
		entryData := encodeEntry(entry, version)
		add(protowire.SizeTag(fieldWantlistEntries) + protowire.SizeBytes(len(entryData)))
		current.Wantlist = append(current.Wantlist, entry)
	}
	if version.EnableBlockPresences {
		for _, bp := range msg.BlockPresences {
			presenceData := encodePresence(bp)
			add(protowire.SizeTag(fieldMessageBlockPresences) + protowire.SizeBytes(len(presenceData)))
			current.BlockPresences = append(current.BlockPresences, bp)
		}
	}
	for _, b := range msg.Blocks {
		cost := len(appendBlock(nil, b, version))
		if cost > budget {
			return nil, fmt.Errorf(
				"%w: %s is %d bytes",
				protocol.ErrBlockTooLarge,
				b.Cid(),
				len(b.RawData()),
			)
		}
		add(cost)
		current.Blocks = append(current.Blocks, b)
	}
	ret = append(ret, current)
	return ret, nil
}

// Writer writes length-prefixed messages to a stream using the wire shape of
// the negotiated protocol version
type Writer struct {
	writer  msgio.WriteCloser
	version protocol.ProtocolVersion
	maxSize int
}

// NewWriter returns a new Writer. A maxSize of 0 uses MaxMessageSize
func NewWriter(w io.Writer, version protocol.ProtocolVersion, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	return &Writer{
		writer:  msgio.NewVarintWriter(w),
		version: version,
		maxSize: maxSize,
	}
}

// Version returns the protocol version used for encoding
func (w *Writer) Version() protocol.ProtocolVersion {
	return w.version
}

// WriteMessage encodes the message, splitting it across frames as needed, and
// returns the number of bytes written including length prefixes
func (w *Writer) WriteMessage(msg *Message) (int, error) {
	msgs, err := Split(msg, w.version, w.maxSize)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tmpMsg := range msgs {
		data := Encode(tmpMsg, w.version)
		if len(data) > w.maxSize {
			return total, fmt.Errorf(
				"%w: encoded message is %d bytes",
				protocol.ErrBlockTooLarge,
				len(data),
			)
		}
		if err := w.writer.WriteMsg(data); err != nil {
			return total, err
		}
		total += protowire.SizeVarint(uint64(len(data))) + len(data)
	}
	return total, nil
}

// countingReader tracks how many bytes have been read from the stream
type countingReader struct {
	reader io.Reader
	count  uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.count += uint64(n)
	return n, err
}

// Reader reads length-prefixed messages from a stream
type Reader struct {
	counter *countingReader
	reader  msgio.ReadCloser
}

// NewReader returns a new Reader. Frames larger than maxSize are rejected. A
// maxSize of 0 uses MaxMessageSize
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	counter := &countingReader{reader: r}
	return &Reader{
		counter: counter,
		reader:  msgio.NewVarintReaderSize(counter, maxSize),
	}
}

// ReadMessage reads and decodes the next frame. It returns io.EOF when the
// stream ends cleanly between frames, and a protocol violation error for a
// bad length prefix, an oversized frame, a truncated frame or bad content
func (r *Reader) ReadMessage() (*Message, int, error) {
	// The frame buffer isn't released back to the pool, since decoded blocks
	// reference it
	start := r.counter.count
	data, err := r.reader.ReadMsg()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Only an end of stream before any byte of the frame is clean
			if r.counter.count == start {
				return nil, 0, io.EOF
			}
			return nil, 0, fmt.Errorf("%w: truncated frame", protocol.ErrProtocolViolationInvalidMessage)
		}
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, 0, fmt.Errorf("%w: %w", protocol.ErrProtocolViolationMessageTooLarge, err)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated frame", protocol.ErrProtocolViolationInvalidMessage)
		}
		if errors.Is(err, varint.ErrOverflow) ||
			errors.Is(err, varint.ErrUnderflow) ||
			errors.Is(err, varint.ErrNotMinimal) {
			return nil, 0, fmt.Errorf("%w: bad length prefix: %w", protocol.ErrProtocolViolationInvalidMessage, err)
		}
		// Anything else comes from the transport
		return nil, 0, err
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, 0, err
	}
	return msg, protowire.SizeVarint(uint64(len(data))) + len(data), nil
}
