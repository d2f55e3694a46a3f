// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package rpc implements the client-facing control transport (spec §6): a
// binary-framed WebSocket RPC sitting on top of service/ws, carrying the
// Hello handshake, heartbeats, and the START_CALL/JOIN_CALL/LEAVE_CALL/
// END_CALL method calls the broker exposes as Go methods.
package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameType tags the envelope carried over the ws connection, following
// the same pattern as the teacher's service/client_msg.go ClientMessage: a
// string type tag followed by a typed payload.
type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameHeartbeat FrameType = "heartbeat"
	FrameRequest   FrameType = "request"
	FrameResponse  FrameType = "response"
)

// Frame is the wire envelope. Server -> client frames are Hello or
// Response; client -> server frames are Request or Heartbeat.
type Frame struct {
	Type FrameType   `msgpack:"type"`
	Data interface{} `msgpack:"data,omitempty"`
}

// Hello is sent once, immediately after the ws upgrade completes (spec
// §6). RequestIDs is the client's initial pool of 20 nonces.
type Hello struct {
	PublicKey  string   `msgpack:"public_key"`
	RequestIDs []string `msgpack:"request_ids"`
}

// helloNonceCount is the size of the initial nonce pool (spec §6).
const helloNonceCount = 20

// Request is one RPC call. ID is the nonce the client is spending on this
// call (validated and consumed by Server before dispatch); Args carries
// the method's own parameters, which for every method defined in spec §6
// includes a channel/call identifier confusingly also named "id" at that
// nesting level.
type Request struct {
	ID     string                 `msgpack:"id"`
	Method string                 `msgpack:"method"`
	Args   map[string]interface{} `msgpack:"args,omitempty"`
}

// Response answers exactly one Request (spec §8 invariant 5): either
// {id, response} or {id, error: {error: TAG}}.
type Response struct {
	ID       string         `msgpack:"id"`
	Response map[string]any `msgpack:"response,omitempty"`
	Error    *ErrorPayload  `msgpack:"error,omitempty"`
}

// ErrorPayload carries the SCREAMING_SNAKE_CASE error tag from spec §7.
type ErrorPayload struct {
	Error string `msgpack:"error"`
}

var _ msgpack.CustomEncoder = (*Frame)(nil)
var _ msgpack.CustomDecoder = (*Frame)(nil)

func (f *Frame) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeMulti(string(f.Type), f.Data)
}

func (f *Frame) DecodeMsgpack(dec *msgpack.Decoder) error {
	typeStr, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("failed to decode frame type: %w", err)
	}
	f.Type = FrameType(typeStr)

	switch f.Type {
	case FrameHello:
		var hello Hello
		if err := dec.Decode(&hello); err != nil {
			return fmt.Errorf("failed to decode hello: %w", err)
		}
		f.Data = hello
	case FrameHeartbeat:
		f.Data = struct{}{}
		return dec.Skip()
	case FrameRequest:
		var req Request
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("failed to decode request: %w", err)
		}
		f.Data = req
	case FrameResponse:
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		f.Data = resp
	default:
		return fmt.Errorf("unknown frame type: %q", f.Type)
	}

	return nil
}

func newHelloFrame(publicKey string, requestIDs []string) Frame {
	return Frame{Type: FrameHello, Data: Hello{PublicKey: publicKey, RequestIDs: requestIDs}}
}

func newResponseFrame(resp Response) Frame {
	return Frame{Type: FrameResponse, Data: resp}
}

func (f *Frame) Pack() ([]byte, error) {
	return msgpack.Marshal(f)
}

func unpackFrame(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}
