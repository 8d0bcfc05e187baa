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

// Client implements the initiating side of the handshake
type Client struct {
	config *Config
}

// NewClient returns a new handshake client object
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		tmpCfg := NewConfig()
		cfg = &tmpCfg
	}
	return &Client{
		config: cfg,
	}
}

// Run proposes our protocol IDs and waits for the peer's answer
func (c *Client) Run(conn io.ReadWriter) (protocol.ProtocolVersion, error) {
	clearDeadline := setDeadline(conn, c.config.Timeout)
	defer clearDeadline()
	versions := make([]string, 0, len(c.config.ProtocolIds))
	for _, id := range c.config.ProtocolIds {
		versions = append(versions, string(id))
	}
	if err := writeMessage(conn, NewMsgProposeVersions(versions)); err != nil {
		return protocol.ProtocolVersion{}, fmt.Errorf("%s: %w", ProtocolName, err)
	}
	msg, err := readMessage(conn, c.config.MaxMessageSize)
	if err != nil {
		return protocol.ProtocolVersion{}, err
	}
	switch m := msg.(type) {
	case *MsgAcceptVersion:
		return c.handleAcceptVersion(m)
	case *MsgRefuse:
		return protocol.ProtocolVersion{}, handleRefuse(m)
	default:
		return protocol.ProtocolVersion{}, fmt.Errorf(
			"%s: received unexpected message type %d",
			ProtocolName,
			msg.Type(),
		)
	}
}

func (c *Client) handleAcceptVersion(msg *MsgAcceptVersion) (protocol.ProtocolVersion, error) {
	id := protocol.ProtocolId(msg.Version)
	offered := false
	for _, tmpId := range c.config.ProtocolIds {
		if tmpId == id {
			offered = true
			break
		}
	}
	version, ok := protocol.GetProtocolVersion(id, c.config.Prefix)
	if !offered || !ok {
		return protocol.ProtocolVersion{}, fmt.Errorf(
			"%s: peer accepted %q which was not proposed: %w",
			ProtocolName,
			msg.Version,
			protocol.ErrProtocolViolationUnsupportedVersion,
		)
	}
	return c.config.finish(version)
}

func handleRefuse(msg *MsgRefuse) error {
	if len(msg.Reason) == 0 {
		return fmt.Errorf("%s: refused: empty reason", ProtocolName)
	}
	code, ok := msg.Reason[0].(uint64)
	if !ok {
		return fmt.Errorf("%s: refused: malformed reason", ProtocolName)
	}
	switch code {
	case RefuseReasonVersionMismatch:
		return fmt.Errorf(
			"%s: version mismatch, peer supports %v: %w",
			ProtocolName,
			msg.Reason[1:],
			protocol.ErrProtocolViolationUnsupportedVersion,
		)
	case RefuseReasonDecodeError:
		return fmt.Errorf("%s: refused: decode error: %v", ProtocolName, msg.Reason[1:])
	default:
		return fmt.Errorf("%s: refused: unknown reason %d", ProtocolName, code)
	}
}
