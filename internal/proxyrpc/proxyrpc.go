/*
 *
 * Copyright 2025 The NCCL-Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package proxyrpc carries the peer-transport proxy protocol over gRPC for
// endpoints whose proxy runs in another process. One bidirectional stream
// backs one proxy connection: a hello frame binds the stream to a rank and
// side, request/response frames follow, and closing the stream releases the
// proxy's resources for that connection.
//
// Staged-copy mode cannot run over this carrier: it needs a same-process
// proxy, and the transport checks for one.
package proxyrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/chhwang/nccl/internal/logging"
	"github.com/chhwang/nccl/internal/transport/p2p"
)

// Frame layouts (little-endian).
//
//	hello:    0x00 version uint8, 0x01 send uint8, 0x04 rank uint32
//	request:  0x00 msg uint8, 0x04 respSize uint32, 0x08 payload
//	response: 0x00 status uint8, 0x01 payload (or error text)
const (
	helloSize     = 8
	reqHeaderSize = 8

	protoVersion = 1

	statusOK  = 0
	statusErr = 1
)

type proxyService interface {
	call(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "nccl.proxy.v1.Proxy",
	HandlerType: (*proxyService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Call",
		Handler:       callHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

func callHandler(srv any, stream grpc.ServerStream) error {
	return srv.(proxyService).call(stream)
}

// Server exposes a local proxy dialer to remote clients.
type Server struct {
	dialer p2p.ProxyDialer
	log    zerolog.Logger
}

// NewServer wraps the dialer serving this process's ranks.
func NewServer(dialer p2p.ProxyDialer) *Server {
	return &Server{dialer: dialer, log: logging.Sub(logging.SysProxy)}
}

// Register installs the proxy service on g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) call(stream grpc.ServerStream) error {
	var hello frame
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if len(hello.payload) != helloSize || hello.payload[0] != protoVersion {
		return fmt.Errorf("proxyrpc: bad hello frame (%d bytes)", len(hello.payload))
	}
	send := hello.payload[1] != 0
	rank := int(binary.LittleEndian.Uint32(hello.payload[4:]))

	pc, err := s.dialer.Dial(rank, send)
	if err != nil {
		return err
	}
	defer pc.Close()
	s.log.Debug().Int("rank", rank).Bool("send", send).Msg("proxy stream opened")

	for {
		var req frame
		if err := stream.RecvMsg(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(req.payload) < reqHeaderSize {
			return fmt.Errorf("proxyrpc: short request frame (%d bytes)", len(req.payload))
		}
		msg := p2p.ProxyMsgType(req.payload[0])
		respSize := int(binary.LittleEndian.Uint32(req.payload[4:]))
		body := req.payload[reqHeaderSize:]

		out, err := pc.Call(msg, body, respSize)
		var resp []byte
		if err != nil {
			s.log.Warn().Err(err).Int("rank", rank).Uint8("msg", uint8(msg)).Msg("proxy call failed")
			resp = append([]byte{statusErr}, err.Error()...)
		} else {
			resp = append([]byte{statusOK}, out...)
		}
		if err := stream.SendMsg(&frame{payload: resp}); err != nil {
			return err
		}
	}
}

// Dialer implements p2p.ProxyDialer over a gRPC client connection.
type Dialer struct {
	cc *grpc.ClientConn
}

// NewDialer wraps an established client connection to a proxy server.
func NewDialer(cc *grpc.ClientConn) *Dialer {
	return &Dialer{cc: cc}
}

// Dial opens one proxy stream bound to rank and side.
func (d *Dialer) Dial(rank int, send bool) (p2p.ProxyConn, error) {
	stream, err := d.cc.NewStream(context.Background(), &serviceDesc.Streams[0],
		"/"+serviceDesc.ServiceName+"/Call", grpc.CallContentSubtype(rawCodecName))
	if err != nil {
		return nil, err
	}
	hello := make([]byte, helloSize)
	hello[0] = protoVersion
	if send {
		hello[1] = 1
	}
	binary.LittleEndian.PutUint32(hello[4:], uint32(rank))
	if err := stream.SendMsg(&frame{payload: hello}); err != nil {
		return nil, err
	}
	return &conn{stream: stream}, nil
}

type conn struct {
	mu     sync.Mutex
	stream grpc.ClientStream
	closed bool
}

func (c *conn) Call(msg p2p.ProxyMsgType, req []byte, respSize int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("proxyrpc: connection closed")
	}

	out := make([]byte, reqHeaderSize+len(req))
	out[0] = uint8(msg)
	binary.LittleEndian.PutUint32(out[4:], uint32(respSize))
	copy(out[reqHeaderSize:], req)
	if err := c.stream.SendMsg(&frame{payload: out}); err != nil {
		return nil, err
	}

	var resp frame
	if err := c.stream.RecvMsg(&resp); err != nil {
		return nil, err
	}
	if len(resp.payload) < 1 {
		return nil, errors.New("proxyrpc: empty response frame")
	}
	if resp.payload[0] != statusOK {
		return nil, fmt.Errorf("proxy: %s", string(resp.payload[1:]))
	}
	body := resp.payload[1:]
	if len(body) != respSize {
		return nil, fmt.Errorf("proxyrpc: response is %d bytes, expected %d", len(body), respSize)
	}
	return body, nil
}

// State always returns nil: resources held by a remote proxy are not
// addressable in this process.
func (c *conn) State() *p2p.ProxyState { return nil }

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.stream.CloseSend(); err != nil {
		return err
	}
	// Wait for the server to finish freeing and close its side.
	var trailing frame
	if err := c.stream.RecvMsg(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
