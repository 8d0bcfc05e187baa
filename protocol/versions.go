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

package protocol

import (
	"slices"
	"strings"
)

// ProtocolId is a Bitswap stream protocol identifier
type ProtocolId string

// Protocol identifiers
const (
	ProtocolIdLegacy     ProtocolId = "/ipfs/bitswap"
	ProtocolIdBitswap100 ProtocolId = "/ipfs/bitswap/1.0.0"
	ProtocolIdBitswap110 ProtocolId = "/ipfs/bitswap/1.1.0"
	ProtocolIdBitswap120 ProtocolId = "/ipfs/bitswap/1.2.0"
)

// MessageShape selects the wire layout used for a stream
type MessageShape uint8

const (
	// MessageShapeV0 carries blocks as raw data with no CID prefix
	MessageShapeV0 MessageShape = iota
	// MessageShapeV1 carries blocks with their CID prefix
	MessageShapeV1
)

func (s MessageShape) String() string {
	switch s {
	case MessageShapeV0:
		return "v0"
	case MessageShapeV1:
		return "v1"
	}
	return "unknown"
}

// ProtocolVersion describes the features available for a negotiated protocol
type ProtocolVersion struct {
	Id                   ProtocolId
	MessageShape         MessageShape
	EnableWantHave       bool
	EnableSendDontHave   bool
	EnableBlockPresences bool
}

var protocolVersions = map[ProtocolId]ProtocolVersion{
	ProtocolIdLegacy: {
		Id:           ProtocolIdLegacy,
		MessageShape: MessageShapeV0,
	},
	ProtocolIdBitswap100: {
		Id:           ProtocolIdBitswap100,
		MessageShape: MessageShapeV0,
	},
	ProtocolIdBitswap110: {
		Id:           ProtocolIdBitswap110,
		MessageShape: MessageShapeV1,
	},
	// added want-have, send-dont-have and block presences
	ProtocolIdBitswap120: {
		Id:                   ProtocolIdBitswap120,
		MessageShape:         MessageShapeV1,
		EnableWantHave:       true,
		EnableSendDontHave:   true,
		EnableBlockPresences: true,
	},
}

// SupportsHave returns true if the version understands want-have entries and
// block presences
func (v ProtocolVersion) SupportsHave() bool {
	return v.EnableWantHave && v.EnableBlockPresences
}

// GetProtocolVersion returns the protocol version config for the specified
// protocol ID. An optional prefix is stripped before lookup
func GetProtocolVersion(id ProtocolId, prefix string) (ProtocolVersion, bool) {
	tmpId := ProtocolId(strings.TrimPrefix(string(id), prefix))
	version, ok := protocolVersions[tmpId]
	if !ok {
		return ProtocolVersion{}, false
	}
	// Report the ID as seen on the wire
	version.Id = id
	return version, true
}

// GetProtocolIds returns the list of supported protocol IDs, newest first, with
// the provided prefix applied
func GetProtocolIds(prefix string) []ProtocolId {
	ret := []ProtocolId{}
	for id := range protocolVersions {
		ret = append(ret, ProtocolId(prefix+string(id)))
	}
	// Sorting descending puts the versioned IDs first and the legacy ID last
	slices.Sort(ret)
	slices.Reverse(ret)
	return ret
}
