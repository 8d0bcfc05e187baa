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

package handshake_test

import (
	"net"
	"testing"
	"time"

	"github.com/blinklabs-io/gobitswap/protocol"
	"github.com/blinklabs-io/gobitswap/protocol/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type result struct {
	version protocol.ProtocolVersion
	err     error
}

func negotiate(
	t *testing.T,
	clientCfg handshake.Config,
	serverCfg handshake.Config,
) (result, result) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	serverResult := make(chan result, 1)
	go func() {
		v, err := handshake.NewServer(&serverCfg).Run(serverConn)
		serverResult <- result{v, err}
	}()
	v, err := handshake.NewClient(&clientCfg).Run(clientConn)
	clientRes := result{v, err}
	select {
	case serverRes := <-serverResult:
		return clientRes, serverRes
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server")
	}
	return result{}, result{}
}

func TestNegotiateHighestCommon(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientRes, serverRes := negotiate(
		t,
		handshake.NewConfig(),
		handshake.NewConfig(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdBitswap110,
				protocol.ProtocolIdBitswap100,
			}),
		),
	)
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)
	assert.Equal(t, protocol.ProtocolIdBitswap110, clientRes.version.Id)
	assert.Equal(t, protocol.ProtocolIdBitswap110, serverRes.version.Id)
	assert.Equal(t, protocol.MessageShapeV1, clientRes.version.MessageShape)
	assert.False(t, clientRes.version.SupportsHave())
}

func TestNegotiateWithPrefix(t *testing.T) {
	defer goleak.VerifyNone(t)
	var finished protocol.ProtocolVersion
	clientRes, serverRes := negotiate(
		t,
		handshake.NewConfig(
			handshake.WithPrefix("/test"),
			handshake.WithFinishedFunc(func(v protocol.ProtocolVersion) error {
				finished = v
				return nil
			}),
		),
		handshake.NewConfig(handshake.WithPrefix("/test")),
	)
	require.NoError(t, clientRes.err)
	require.NoError(t, serverRes.err)
	assert.Equal(t, protocol.ProtocolId("/test/ipfs/bitswap/1.2.0"), clientRes.version.Id)
	assert.True(t, clientRes.version.SupportsHave())
	assert.Equal(t, clientRes.version, finished)
}

func TestNegotiateRefused(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientRes, serverRes := negotiate(
		t,
		handshake.NewConfig(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdBitswap120,
			}),
		),
		handshake.NewConfig(
			handshake.WithProtocolIds([]protocol.ProtocolId{
				protocol.ProtocolIdLegacy,
			}),
		),
	)
	assert.ErrorIs(t, clientRes.err, protocol.ErrProtocolViolationUnsupportedVersion)
	assert.ErrorIs(t, serverRes.err, protocol.ErrProtocolViolationUnsupportedVersion)
}

func TestClientTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	// Drain the proposal but never answer
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()
	cfg := handshake.NewConfig(handshake.WithTimeout(100 * time.Millisecond))
	_, err := handshake.NewClient(&cfg).Run(clientConn)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}
