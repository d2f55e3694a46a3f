// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package node implements the pulse-node bus bridge (spec §4.2): it
// announces this node's presence and region on the cluster bus, places the
// PeerSessions a broker's UserConnect asks for onto the local rtc.Server,
// relays the resulting SDP answer back as UserCreate, and publishes
// UserDelete when a session ends, whatever the reason.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/pulse-sfu/harmony/bus"
	"github.com/pulse-sfu/harmony/service/rtc"
)

// pingInterval is the liveness beat from spec §4.2 "Startup".
const pingInterval = 5 * time.Second

// Node bridges bus.Client and rtc.Server for one pulse node process.
type Node struct {
	id     string
	region string
	bus    *bus.Client
	srv    *rtc.Server
	log    mlog.LoggerIFace
}

// New returns a Node wired to busClient and srv. id is the node's bus
// sender id (bus.Client.ID()); region is this node's spec §6 REGION.
func New(id, region string, busClient *bus.Client, srv *rtc.Server, log mlog.LoggerIFace) *Node {
	return &Node{id: id, region: region, bus: busClient, srv: srv, log: log}
}

// Run announces the node, then relays events between the bus and the
// local rtc.Server until ctx is canceled. It returns ctx.Err() on a clean
// shutdown, or an error if either side's channel closes out from under it.
func (n *Node) Run(ctx context.Context) error {
	n.announce(ctx)

	busEvents := n.bus.Subscribe(ctx)
	rtcOut := n.srv.ReceiveCh()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = n.bus.Publish(shutdownCtx, bus.EventDisconnect, bus.Disconnect{})
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := n.bus.Publish(ctx, bus.EventPing, bus.Ping{}); err != nil {
				n.log.Error("node: failed to publish ping", mlog.Err(err))
			}
		case ev, ok := <-busEvents:
			if !ok {
				return fmt.Errorf("node: bus subscription closed")
			}
			n.handleBusEvent(ctx, ev)
		case msg, ok := <-rtcOut:
			if !ok {
				return fmt.Errorf("node: rtc server closed")
			}
			n.handleRTCMessage(msg)
		}
	}
}

func (n *Node) announce(ctx context.Context) {
	if err := n.bus.Publish(ctx, bus.EventDescription, bus.Description{Region: n.region}); err != nil {
		n.log.Error("node: failed to announce description", mlog.Err(err))
	}
}

// handleBusEvent dispatches one NodeEvent this node should react to. Events
// a node only ever produces (Description, Ping, Disconnect, UserCreate,
// UserDelete, TrackAvailable, TrackUnavailable) fall through to the
// default case and are ignored.
func (n *Node) handleBusEvent(ctx context.Context, ev bus.NodeEvent) {
	switch ev.Type {
	case bus.EventQuery:
		n.announce(ctx)
	case bus.EventUserConnect:
		data, ok := ev.Data.(bus.UserConnect)
		if !ok {
			n.log.Error("node: malformed user_connect event")
			return
		}
		n.placeSession(data)
	case bus.EventUserDisconnect:
		data, ok := ev.Data.(bus.UserDisconnect)
		if !ok {
			n.log.Error("node: malformed user_disconnect event")
			return
		}
		// CloseSession is idempotent via rtc.Server's session map lookup, so
		// a redelivered UserDisconnect (spec §8-8) for a session that has
		// already torn down on an ICE/fatal path just returns nil below.
		if err := n.srv.CloseSession(data.ID); err != nil {
			n.log.Debug("node: close session on disconnect",
				mlog.Err(err), mlog.String("sessionID", data.ID))
		}
	case bus.EventStartProduce, bus.EventStopProduce, bus.EventStartConsume, bus.EventStopConsume:
		// rtc.Server has no per-track mute/subscribe hook: every inbound
		// track is always propagated and every session in a call always
		// receives every track the call carries (see call.go's
		// consumers/propagate registry). These application-level commands
		// have nowhere to land until that hook exists, so they're logged and
		// dropped rather than silently miswired to the wrong behavior.
		n.log.Debug("node: track command has no rtc.Server hook yet, ignoring",
			mlog.String("type", string(ev.Type)))
	}
}

// placeSession implements spec §4.2 "Session placement": allocate a
// PeerSession on the local rtc.Server and feed it the SDP offer. The
// resulting answer surfaces asynchronously on srv.ReceiveCh() and is
// relayed onward by handleRTCMessage.
func (n *Node) placeSession(data bus.UserConnect) {
	cfg := rtc.SessionConfig{
		CallID:    data.CallID,
		UserID:    data.UserID,
		SessionID: data.SessionID,
	}

	sessionID := data.SessionID
	closeCb := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return n.bus.Publish(ctx, bus.EventUserDelete, bus.UserDelete{ID: sessionID})
	}

	sessionLog := n.log.With(mlog.String("sessionID", sessionID), mlog.String("callID", data.CallID))

	if err := n.srv.InitSession(cfg, closeCb, sessionLog); err != nil {
		n.log.Error("node: failed to init session", mlog.Err(err), mlog.String("sessionID", sessionID))
		return
	}

	if err := n.srv.Send(rtc.Message{
		SessionID: sessionID,
		Type:      rtc.SDPMessage,
		Data:      []byte(data.SDPOffer),
	}); err != nil {
		n.log.Error("node: failed to feed sdp offer", mlog.Err(err), mlog.String("sessionID", sessionID))
	}
}

// handleRTCMessage relays a signaling message the local rtc.Server raised
// on its own ReceiveCh back onto the bus. Only the SDP answer completing
// session placement has a bus event to carry it (spec §4.1's event table
// has no per-candidate event): this deployment's bus-mediated handshake is
// a single offer/answer round trip, with the node's own public address
// baked into every host candidate via ICEHostOverride, so standalone ICE
// messages arriving here have nothing further to relay and are dropped.
func (n *Node) handleRTCMessage(msg rtc.Message) {
	if msg.Type != rtc.SDPMessage {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := n.bus.Publish(ctx, bus.EventUserCreate, bus.UserCreate{
		SessionID: msg.SessionID,
		SDPAnswer: string(msg.Data),
	}); err != nil {
		n.log.Error("node: failed to publish user_create", mlog.Err(err), mlog.String("sessionID", msg.SessionID))
	}
}
