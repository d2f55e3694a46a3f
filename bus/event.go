// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package bus implements the cluster bus: a single pub/sub topic ("nodes")
// carrying a tagged-union NodeEvent between pulse nodes and harmony. The
// wire encoding follows the same pattern as the teacher's
// service/client_msg.go ClientMessage: a string type tag followed by a
// typed payload, msgpack-encoded so producers and consumers can evolve
// independently.
package bus

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EventType enumerates every NodeEvent carried on the "nodes" topic (spec
// §4.1).
type EventType string

const (
	EventDescription     EventType = "description"
	EventPing            EventType = "ping"
	EventDisconnect      EventType = "disconnect"
	EventQuery           EventType = "query"
	EventUserConnect     EventType = "user_connect"
	EventUserCreate      EventType = "user_create"
	EventStartProduce    EventType = "start_produce"
	EventStopProduce     EventType = "stop_produce"
	EventStartConsume    EventType = "start_consume"
	EventStopConsume     EventType = "stop_consume"
	EventUserDisconnect  EventType = "user_disconnect"
	EventUserDelete      EventType = "user_delete"
	EventTrackAvailable  EventType = "track_available"
	EventTrackUnavailable EventType = "track_unavailable"
)

// Description announces a node's presence and region. Published on startup
// and in response to a Query.
type Description struct {
	Region string `msgpack:"region"`
}

// Ping is an empty liveness beat, emitted every 5s by every node.
type Ping struct{}

// Disconnect announces a graceful node shutdown.
type Disconnect struct{}

// Query asks every node to re-announce its Description.
type Query struct{}

// UserConnect places a session on a node. UserID rides along so the node
// can populate PeerSession.user_id (spec §3) without a second round trip;
// the bus event table in spec §4.1 shows only session_id/call_id/sdp_offer,
// but the PeerSession data model it places requires a user_id the node has
// no other way to learn.
type UserConnect struct {
	SessionID string `msgpack:"session_id"`
	UserID    string `msgpack:"user_id"`
	CallID    string `msgpack:"call_id"`
	SDPOffer  string `msgpack:"sdp_offer"`
}

// UserCreate answers a UserConnect's offer.
type UserCreate struct {
	SessionID string `msgpack:"session_id"`
	SDPAnswer string `msgpack:"sdp_answer"`
}

// StartProduce / StopProduce are application-level mute/unmute commands.
type StartProduce struct {
	SessionID string `msgpack:"session_id"`
	Track     string `msgpack:"track"`
}

type StopProduce struct {
	SessionID string `msgpack:"session_id"`
	Track     string `msgpack:"track"`
}

// StartConsume / StopConsume are application-level subscribe commands.
type StartConsume struct {
	SessionID string `msgpack:"session_id"`
	Track     string `msgpack:"track"`
}

type StopConsume struct {
	SessionID string `msgpack:"session_id"`
	Track     string `msgpack:"track"`
}

// UserDisconnect tears a session down.
type UserDisconnect struct {
	ID string `msgpack:"id"`
}

// UserDelete reports that a session has actually ended.
type UserDelete struct {
	ID string `msgpack:"id"`
}

// TrackAvailable / TrackUnavailable notify interested consumers.
type TrackAvailable struct {
	ID string `msgpack:"id"`
}

type TrackUnavailable struct {
	ID string `msgpack:"id"`
}

// NodeEvent is the tagged union carried on the "nodes" topic. SenderID lets
// subscribers ignore their own publications, as spec §4.1 requires.
type NodeEvent struct {
	SenderID string      `msgpack:"sender_id"`
	Type     EventType   `msgpack:"type"`
	Data     interface{} `msgpack:"data,omitempty"`
}

func New(senderID string, t EventType, data interface{}) NodeEvent {
	return NodeEvent{SenderID: senderID, Type: t, Data: data}
}

var _ msgpack.CustomEncoder = (*NodeEvent)(nil)
var _ msgpack.CustomDecoder = (*NodeEvent)(nil)

func (e *NodeEvent) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeMulti(e.SenderID, string(e.Type), e.Data)
}

func (e *NodeEvent) DecodeMsgpack(dec *msgpack.Decoder) error {
	senderID, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("failed to decode sender_id: %w", err)
	}
	e.SenderID = senderID

	typeStr, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("failed to decode type: %w", err)
	}
	e.Type = EventType(typeStr)

	switch e.Type {
	case EventDescription:
		var data Description
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode description: %w", err)
		}
		e.Data = data
	case EventPing:
		e.Data = Ping{}
		return dec.Skip()
	case EventDisconnect:
		e.Data = Disconnect{}
		return dec.Skip()
	case EventQuery:
		e.Data = Query{}
		return dec.Skip()
	case EventUserConnect:
		var data UserConnect
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode user_connect: %w", err)
		}
		e.Data = data
	case EventUserCreate:
		var data UserCreate
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode user_create: %w", err)
		}
		e.Data = data
	case EventStartProduce:
		var data StartProduce
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode start_produce: %w", err)
		}
		e.Data = data
	case EventStopProduce:
		var data StopProduce
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode stop_produce: %w", err)
		}
		e.Data = data
	case EventStartConsume:
		var data StartConsume
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode start_consume: %w", err)
		}
		e.Data = data
	case EventStopConsume:
		var data StopConsume
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode stop_consume: %w", err)
		}
		e.Data = data
	case EventUserDisconnect:
		var data UserDisconnect
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode user_disconnect: %w", err)
		}
		e.Data = data
	case EventUserDelete:
		var data UserDelete
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode user_delete: %w", err)
		}
		e.Data = data
	case EventTrackAvailable:
		var data TrackAvailable
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode track_available: %w", err)
		}
		e.Data = data
	case EventTrackUnavailable:
		var data TrackUnavailable
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode track_unavailable: %w", err)
		}
		e.Data = data
	default:
		data, err := dec.DecodeInterface()
		if err != nil {
			return fmt.Errorf("failed to decode unknown event payload: %w", err)
		}
		e.Data = data
	}

	return nil
}

func (e *NodeEvent) Pack() ([]byte, error) {
	return msgpack.Marshal(e)
}

func Unpack(data []byte) (NodeEvent, error) {
	var e NodeEvent
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
