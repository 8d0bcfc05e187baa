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

// Package handshake negotiates the exchange protocol version on transports
// that don't do protocol selection themselves. The initiator proposes its
// protocol IDs in order of preference and the responder accepts one or refuses
package handshake

import (
	"io"
	"time"

	"github.com/blinklabs-io/gobitswap/protocol"
)

const (
	ProtocolName = "handshake"

	DefaultTimeout        = 5 * time.Second
	DefaultMaxMessageSize = 4096
)

// Config is used to configure the handshake
type Config struct {
	// ProtocolIds are the supported wire protocol IDs, most preferred first
	ProtocolIds    []protocol.ProtocolId
	Prefix         string
	Timeout        time.Duration
	MaxMessageSize int
	FinishedFunc   FinishedFunc
}

// Callback function types
type FinishedFunc func(protocol.ProtocolVersion) error

// HandshakeOptionFunc represents a function used to modify the handshake config
type HandshakeOptionFunc func(*Config)

// NewConfig returns a new handshake config object with the provided options
func NewConfig(options ...HandshakeOptionFunc) Config {
	c := Config{
		Timeout:        DefaultTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
	// Apply provided options functions
	for _, option := range options {
		option(&c)
	}
	if len(c.ProtocolIds) == 0 {
		c.ProtocolIds = protocol.GetProtocolIds(c.Prefix)
	}
	return c
}

// WithProtocolIds specifies the supported protocol IDs, most preferred first
func WithProtocolIds(ids []protocol.ProtocolId) HandshakeOptionFunc {
	return func(c *Config) {
		c.ProtocolIds = ids
	}
}

// WithPrefix specifies the protocol prefix
func WithPrefix(prefix string) HandshakeOptionFunc {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithTimeout specifies the timeout for the handshake operation
func WithTimeout(timeout time.Duration) HandshakeOptionFunc {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithFinishedFunc specifies the Finished callback function
func WithFinishedFunc(finishedFunc FinishedFunc) HandshakeOptionFunc {
	return func(c *Config) {
		c.FinishedFunc = finishedFunc
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// setDeadline applies the timeout if the connection supports deadlines and
// returns a function that clears it
func setDeadline(conn io.ReadWriter, timeout time.Duration) func() {
	d, ok := conn.(deadliner)
	if !ok || timeout <= 0 {
		return func() {}
	}
	_ = d.SetDeadline(time.Now().Add(timeout))
	return func() {
		_ = d.SetDeadline(time.Time{})
	}
}

func (c *Config) finish(version protocol.ProtocolVersion) (protocol.ProtocolVersion, error) {
	if c.FinishedFunc != nil {
		if err := c.FinishedFunc(version); err != nil {
			return protocol.ProtocolVersion{}, err
		}
	}
	return version, nil
}
