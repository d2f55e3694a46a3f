// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rpc

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/pulse-sfu/harmony/apperror"
	"github.com/pulse-sfu/harmony/broker"
	"github.com/pulse-sfu/harmony/service/ws"
)

// heartbeatTimeout is spec §6's HEARTBEAT_TIMEOUT: a connection producing
// no frame for this long is evicted.
const heartbeatTimeout = 60 * time.Second

// heartbeatSweepInterval is how often the eviction sweep runs; it need not
// match heartbeatTimeout exactly, only be comfortably smaller.
const heartbeatSweepInterval = 10 * time.Second

// handlerFunc is the shape every dispatch-table entry shares (spec §9's
// "dynamic dispatch as a name -> handler function map built at startup").
type handlerFunc func(ctx context.Context, c *clientConn, args map[string]interface{}) (map[string]any, error)

// clientConn is one ws connection's RPC-level state: which user (if any)
// authenticated at upgrade time, its live nonce pool, and its last-seen
// timestamp for heartbeat eviction.
type clientConn struct {
	connID   string
	userID   string
	nonces   *noncePool
	lastSeen time.Time
}

// Server decodes Frames off a ws.Server connection, validates the request
// nonce, dispatches to the broker by method name, and writes back exactly
// one Response per Request (spec §8 invariant 5).
type Server struct {
	ws      *ws.Server
	broker  *broker.Broker
	authr   broker.Authenticator
	log     mlog.LoggerIFace
	methods map[string]handlerFunc

	mut   sync.Mutex
	conns map[string]*clientConn
}

// NewServer builds an rpc.Server dispatching calls to b and authenticating
// upgrades via authr. The caller must still construct the underlying
// ws.Server with ws.WithAuthCb(s.AuthCb) and pass it to Attach before
// calling Run: the auth callback has to exist before the ws.Server does,
// since it is one of the ws.Server's own constructor options.
func NewServer(b *broker.Broker, authr broker.Authenticator, log mlog.LoggerIFace) *Server {
	s := &Server{
		broker: b,
		authr:  authr,
		log:    log,
		conns:  map[string]*clientConn{},
	}
	s.methods = map[string]handlerFunc{
		"GET_ID":     s.handleGetID,
		"START_CALL": s.handleStartCall,
		"JOIN_CALL":  s.handleJoinCall,
		"LEAVE_CALL": s.handleLeaveCall,
		"END_CALL":   s.handleEndCall,
	}
	return s
}

// Attach binds the ws.Server this rpc.Server reads from and writes to. It
// must be called once, after wsSrv has been constructed with
// ws.WithAuthCb(s.AuthCb), and before Run.
func (s *Server) Attach(wsSrv *ws.Server) {
	s.ws = wsSrv
}

// AuthCb resolves the connecting user from an Authorization: Bearer
// header, for use with ws.WithAuthCb. An absent or invalid credential
// does not fail the upgrade: the connection is admitted as anonymous, and
// every RPC method call.requireAuthenticated rejects it with
// NOT_AUTHENTICATED (spec §7: never leak existence of a resource via a
// different error code than an auth failure would produce).
func (s *Server) AuthCb(_ http.ResponseWriter, r *http.Request) (string, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return "", nil
	}
	userID, err := s.authr.Authenticate(token)
	if err != nil {
		return "", nil
	}
	return userID, nil
}

// Run drains ws.Server's ReceiveCh, answering Open/Close/frame traffic,
// until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatSweepInterval)
	defer ticker.Stop()

	in := s.ws.ReceiveCh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.evictStale()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			s.handleWSMessage(ctx, msg)
		}
	}
}

func (s *Server) handleWSMessage(ctx context.Context, msg ws.Message) {
	switch msg.Type {
	case ws.OpenMessage:
		s.onOpen(msg.ConnID, msg.ClientID)
	case ws.CloseMessage:
		s.onClose(msg.ConnID)
	case ws.BinaryMessage:
		s.onFrame(ctx, msg.ConnID, msg.Data)
	}
}

func (s *Server) onOpen(connID, userID string) {
	pool, ids, err := newNoncePool()
	if err != nil {
		s.log.Error("rpc: failed to build nonce pool", mlog.Err(err), mlog.String("connID", connID))
		return
	}

	c := &clientConn{connID: connID, userID: userID, nonces: pool, lastSeen: time.Now()}
	s.mut.Lock()
	s.conns[connID] = c
	s.mut.Unlock()

	pubKey, err := newEphemeralPublicKey()
	if err != nil {
		s.log.Error("rpc: failed to generate ephemeral key", mlog.Err(err), mlog.String("connID", connID))
		return
	}

	s.send(connID, newHelloFrame(pubKey, ids))
}

func (s *Server) onClose(connID string) {
	s.mut.Lock()
	delete(s.conns, connID)
	s.mut.Unlock()
}

func (s *Server) getConn(connID string) *clientConn {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.conns[connID]
}

func (s *Server) evictStale() {
	cutoff := time.Now().Add(-heartbeatTimeout)

	var stale []string
	s.mut.Lock()
	for connID, c := range s.conns {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, connID)
		}
	}
	s.mut.Unlock()

	for _, connID := range stale {
		s.log.Debug("rpc: evicting idle connection", mlog.String("connID", connID))
		select {
		case s.ws.SendCh() <- ws.Message{ConnID: connID, Type: ws.CloseMessage}:
		default:
			s.log.Error("rpc: failed to send close: channel is full", mlog.String("connID", connID))
		}
		s.onClose(connID)
	}
}

func (s *Server) onFrame(ctx context.Context, connID string, data []byte) {
	c := s.getConn(connID)
	if c == nil {
		s.log.Error("rpc: frame on unknown connection", mlog.String("connID", connID))
		return
	}

	s.mut.Lock()
	c.lastSeen = time.Now()
	s.mut.Unlock()

	frame, err := unpackFrame(data)
	if err != nil {
		s.log.Warn("rpc: failed to decode frame", mlog.Err(err), mlog.String("connID", connID))
		return
	}

	switch frame.Type {
	case FrameHeartbeat:
		// lastSeen was already refreshed above; nothing else to do.
	case FrameRequest:
		req, ok := frame.Data.(Request)
		if !ok {
			return
		}
		s.dispatch(ctx, c, req)
	default:
		s.log.Warn("rpc: unexpected client frame type", mlog.String("type", string(frame.Type)), mlog.String("connID", connID))
	}
}

// dispatch validates req's nonce and runs its method, writing back exactly
// one Response (spec §8 invariant 5).
func (s *Server) dispatch(ctx context.Context, c *clientConn, req Request) {
	if !c.nonces.consume(req.ID) {
		s.writeError(c.connID, req.ID, apperror.KindInvalidRequestID)
		return
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		s.writeError(c.connID, req.ID, apperror.KindInvalidMethod)
		return
	}

	resp, err := handler(ctx, c, req.Args)
	if err != nil {
		s.writeErrorValue(c.connID, req.ID, err)
		return
	}

	s.send(c.connID, newResponseFrame(Response{ID: req.ID, Response: resp}))
}

// requireAuthenticated is every handler's first call (spec §9
// "check_authenticated"): an anonymous connection is rejected uniformly,
// regardless of which method it tried to call.
func requireAuthenticated(c *clientConn) error {
	if c.userID == "" {
		return apperror.New(apperror.KindNotAuthenticated, "not authenticated")
	}
	return nil
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func (s *Server) handleGetID(_ context.Context, c *clientConn, _ map[string]interface{}) (map[string]any, error) {
	if err := requireAuthenticated(c); err != nil {
		return nil, err
	}
	id, err := c.nonces.issue()
	if err != nil {
		return nil, apperror.New(apperror.KindInternalError, err.Error())
	}
	return map[string]any{"id": id}, nil
}

func (s *Server) handleStartCall(ctx context.Context, c *clientConn, args map[string]interface{}) (map[string]any, error) {
	if err := requireAuthenticated(c); err != nil {
		return nil, err
	}
	channelID := argString(args, "id")
	spaceID := argString(args, "space_id")

	token, err := s.broker.StartCall(ctx, c.userID, spaceID, channelID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": token}, nil
}

func (s *Server) handleJoinCall(ctx context.Context, c *clientConn, args map[string]interface{}) (map[string]any, error) {
	if err := requireAuthenticated(c); err != nil {
		return nil, err
	}
	channelID := argString(args, "id")
	spaceID := argString(args, "space_id")
	sdp := argString(args, "sdp")

	answer, token, err := s.broker.JoinCall(ctx, c.userID, spaceID, channelID, sdp)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sdp": answer, "token": token}, nil
}

func (s *Server) handleLeaveCall(ctx context.Context, c *clientConn, args map[string]interface{}) (map[string]any, error) {
	if err := requireAuthenticated(c); err != nil {
		return nil, err
	}
	channelID := argString(args, "id")
	spaceID := argString(args, "space_id")

	if err := s.broker.LeaveCall(ctx, c.userID, spaceID, channelID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleEndCall(ctx context.Context, c *clientConn, args map[string]interface{}) (map[string]any, error) {
	if err := requireAuthenticated(c); err != nil {
		return nil, err
	}
	channelID := argString(args, "id")
	spaceID := argString(args, "space_id")

	if err := s.broker.EndCall(ctx, c.userID, spaceID, channelID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) writeError(connID, requestID string, kind apperror.Kind) {
	s.send(connID, newResponseFrame(Response{
		ID:    requestID,
		Error: &ErrorPayload{Error: kind.Tag()},
	}))
}

func (s *Server) writeErrorValue(connID, requestID string, err error) {
	appErr, ok := err.(*apperror.Error)
	if !ok {
		s.writeError(connID, requestID, apperror.KindInternalError)
		return
	}
	s.writeError(connID, requestID, appErr.Kind)
}

func (s *Server) send(connID string, frame Frame) {
	payload, err := frame.Pack()
	if err != nil {
		s.log.Error("rpc: failed to encode frame", mlog.Err(err), mlog.String("connID", connID))
		return
	}

	select {
	case s.ws.SendCh() <- ws.Message{ConnID: connID, Type: ws.BinaryMessage, Data: payload}:
	default:
		s.log.Error("rpc: failed to send frame: channel is full", mlog.String("connID", connID))
	}
}
