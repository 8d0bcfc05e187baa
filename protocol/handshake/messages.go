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

package handshake

import (
	"errors"
	"fmt"
	"io"

	"github.com/blinklabs-io/gobitswap/cbor"
	"github.com/libp2p/go-msgio"
)

// Message types
const (
	MessageTypeProposeVersions = 0
	MessageTypeAcceptVersion   = 1
	MessageTypeRefuse          = 2
)

// Refusal reasons
const (
	RefuseReasonVersionMismatch = 0
	RefuseReasonDecodeError     = 1
)

// Message is a handshake message
type Message interface {
	Type() uint8
}

type MsgProposeVersions struct {
	cbor.StructAsArray
	MessageType uint8
	Versions    []string
}

func NewMsgProposeVersions(versions []string) *MsgProposeVersions {
	return &MsgProposeVersions{
		MessageType: MessageTypeProposeVersions,
		Versions:    versions,
	}
}

func (m *MsgProposeVersions) Type() uint8 {
	return m.MessageType
}

type MsgAcceptVersion struct {
	cbor.StructAsArray
	MessageType uint8
	Version     string
}

func NewMsgAcceptVersion(version string) *MsgAcceptVersion {
	return &MsgAcceptVersion{
		MessageType: MessageTypeAcceptVersion,
		Version:     version,
	}
}

func (m *MsgAcceptVersion) Type() uint8 {
	return m.MessageType
}

type MsgRefuse struct {
	cbor.StructAsArray
	MessageType uint8
	Reason      []any
}

func NewMsgRefuse(reason []any) *MsgRefuse {
	return &MsgRefuse{
		MessageType: MessageTypeRefuse,
		Reason:      reason,
	}
}

func (m *MsgRefuse) Type() uint8 {
	return m.MessageType
}

// NewMsgFromCbor decodes a handshake message of any type
func NewMsgFromCbor(data []byte) (Message, error) {
	msgType, err := cbor.DecodeIdFromList(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ProtocolName, err)
	}
	var ret Message
	switch msgType {
	case MessageTypeProposeVersions:
		ret = &MsgProposeVersions{}
	case MessageTypeAcceptVersion:
		ret = &MsgAcceptVersion{}
	case MessageTypeRefuse:
		ret = &MsgRefuse{}
	default:
		return nil, fmt.Errorf("%s: unknown message type %d", ProtocolName, msgType)
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	return ret, nil
}

func writeMessage(w io.Writer, msg Message) error {
	data, err := cbor.Encode(msg)
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(w).WriteMsg(data)
}

func readMessage(r io.Reader, maxSize int) (Message, error) {
	reader := msgio.NewVarintReaderSize(r, maxSize)
	data, err := reader.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, fmt.Errorf("%s: %w", ProtocolName, err)
		}
		return nil, err
	}
	defer reader.ReleaseMsg(data)
	return NewMsgFromCbor(data)
}
