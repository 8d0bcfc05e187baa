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
	"fmt"
	"io"

	"github.com/blinklabs-io/gobitswap/protocol"
)

// Server implements the responding side of the handshake
type Server struct {
	config *Config
}

// NewServer returns a new handshake server object
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	return &Server{
		config: cfg,
	}
}

// Run waits for the peer's proposal and accepts the first proposed protocol
// ID that we also support
func (s *Server) Run(conn io.ReadWriter) (protocol.ProtocolVersion, error) {
	clearDeadline := setDeadline(conn, s.config.Timeout)
	defer clearDeadline()
	msg, err := readMessage(conn, s.config.MaxMessageSize)
	if err != nil {
		_ = writeMessage(
			conn,
			NewMsgRefuse([]any{RefuseReasonDecodeError, err.Error()}),
		)
		return protocol.ProtocolVersion{}, err
	}
	propose, ok := msg.(*MsgProposeVersions)
	if !ok {
		return protocol.ProtocolVersion{}, fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
	supported := make(map[string]bool, len(s.config.ProtocolIds))
	for _, id := range s.config.ProtocolIds {
		supported[string(id)] = true
	}
	for _, proposed := range propose.Versions {
		if !supported[proposed] {
			continue
		}
		version, ok := protocol.GetProtocolVersion(
			protocol.ProtocolId(proposed),
			s.config.Prefix,
		)
		if !ok {
			continue
		}
		if err := writeMessage(conn, NewMsgAcceptVersion(proposed)); err != nil {
			return protocol.ProtocolVersion{}, fmt.Errorf("%s: %w", ProtocolName, err)
		}
		return s.config.finish(version)
	}
	reason := []any{RefuseReasonVersionMismatch}
	for _, id := range s.config.ProtocolIds {
		reason = append(reason, string(id))
	}
	if err := writeMessage(conn, NewMsgRefuse(reason)); err != nil {
		return protocol.ProtocolVersion{}, fmt.Errorf("%s: %w", ProtocolName, err)
	}
	return protocol.ProtocolVersion{}, fmt.Errorf(
		"%s: no common version with peer proposal %v: %w",
		ProtocolName,
		propose.Versions,
		protocol.ErrProtocolViolationUnsupportedVersion,
	)
}
