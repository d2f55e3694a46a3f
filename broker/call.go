// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pborman/uuid"

	"github.com/pulse-sfu/harmony/apperror"
	"github.com/pulse-sfu/harmony/bus"
	"github.com/pulse-sfu/harmony/service/store"
)

var errNotAuthenticated = apperror.New(apperror.KindNotAuthenticated, "not authenticated")

// joinTimeout is the bus UserConnect -> UserCreate round-trip deadline
// (spec §4.3 "Join", §5 "Cancellation").
const joinTimeout = 5 * time.Second

// historyRefreshInterval is how often a live call's historical record is
// refreshed (spec §4.3 "Start").
const historyRefreshInterval = 30 * time.Second

// ActiveCall is the single cluster-wide record of a live call (spec §3).
// It is serialized as JSON and stored under two keys for lookup both by
// (space_id, channel_id) and by id (spec §6).
type ActiveCall struct {
	ID          string   `json:"id"`
	SpaceID     string   `json:"space_id"`
	ChannelID   string   `json:"channel_id"`
	Members     []string `json:"members"`
	NodeID      string   `json:"node_id"`
	StartedAtMs int64    `json:"started_at_ms"`
}

func (c ActiveCall) hasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// historyRecord is the accounting record persisted for a call regardless
// of whether it is still active (spec §4.3 "Start"). EndedAt holds the
// last-observed-alive timestamp while the call is live and is finalized
// to the true end time on End (spec §9 "Open questions").
type historyRecord struct {
	ID        string `json:"id"`
	SpaceID   string `json:"space_id"`
	ChannelID string `json:"channel_id"`
	StartedAt int64  `json:"started_at_ms"`
	EndedAt   int64  `json:"ended_at_ms"`
}

// Broker implements StartCall/JoinCall/LeaveCall/EndCall (spec §4.3)
// against the shared Store for ActiveCall state and the cluster bus for
// session placement.
type Broker struct {
	store store.Store
	nodes *NodeRegistry
	bus   *bus.Client
	tok   *TokenIssuer
	perm  PermissionChecker
	log   mlog.LoggerIFace
	now   func() time.Time

	mut       sync.Mutex
	pending   map[string]chan bus.UserCreate // sessionID -> awaiting UserCreate
	calls     map[string]context.CancelFunc  // callID -> stop refresh loop
	sessionOf map[string]string              // "callID/userID" -> sessionID, for teardown
}

func NewBroker(st store.Store, nodes *NodeRegistry, busClient *bus.Client, tok *TokenIssuer, perm PermissionChecker, log mlog.LoggerIFace) *Broker {
	return &Broker{
		store:     st,
		nodes:     nodes,
		bus:       busClient,
		tok:       tok,
		perm:      perm,
		log:       log,
		now:       time.Now,
		pending:   map[string]chan bus.UserCreate{},
		calls:     map[string]context.CancelFunc{},
		sessionOf: map[string]string{},
	}
}

func sessionOfKey(callID, userID string) string {
	return callID + "/" + userID
}

func activeCallKey(spaceID, channelID string) string {
	return fmt.Sprintf("call:%s:%s", spaceID, channelID)
}

func activeCallByIDKey(id string) string {
	return fmt.Sprintf("call:%s", id)
}

func historyKey(id string) string {
	return fmt.Sprintf("history:%s", id)
}

func (b *Broker) getByIndex(spaceID, channelID string) (ActiveCall, error) {
	id, err := b.store.Get(activeCallKey(spaceID, channelID))
	if errors.Is(err, store.ErrNotFound) {
		return ActiveCall{}, apperror.New(apperror.KindNotFound, "no active call")
	} else if err != nil {
		return ActiveCall{}, apperror.DatabaseError(err.Error())
	}
	return b.getByID(id)
}

func (b *Broker) getByID(id string) (ActiveCall, error) {
	raw, err := b.store.Get(activeCallByIDKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return ActiveCall{}, apperror.New(apperror.KindNotFound, "no active call")
	} else if err != nil {
		return ActiveCall{}, apperror.DatabaseError(err.Error())
	}

	var call ActiveCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return ActiveCall{}, apperror.DatabaseError(err.Error())
	}
	return call, nil
}

func (b *Broker) save(call ActiveCall) error {
	raw, err := json.Marshal(call)
	if err != nil {
		return apperror.DatabaseError(err.Error())
	}
	if err := b.store.Set(activeCallByIDKey(call.ID), string(raw)); err != nil {
		return apperror.DatabaseError(err.Error())
	}
	return nil
}

// StartCall implements spec §4.3 "Start".
func (b *Broker) StartCall(ctx context.Context, userID, spaceID, channelID string) (string, error) {
	if !b.perm.HasPermission(userID, channelID, PermissionStartCalls) {
		return "", apperror.MissingPermission(string(PermissionStartCalls))
	}

	node, ok := b.nodes.Select("")
	if !ok {
		return "", apperror.New(apperror.KindNoVoiceNodesAvailable, "no live pulse nodes")
	}

	call := ActiveCall{
		ID:          uuid.NewRandom().String(),
		SpaceID:     spaceID,
		ChannelID:   channelID,
		Members:     nil,
		NodeID:      node.ID,
		StartedAtMs: b.now().UnixMilli(),
	}

	raw, err := json.Marshal(call)
	if err != nil {
		return "", apperror.DatabaseError(err.Error())
	}

	if err := b.store.Put(activeCallKey(spaceID, channelID), call.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", apperror.New(apperror.KindAlreadyExists, "call already active")
		}
		return "", apperror.DatabaseError(err.Error())
	}

	if err := b.store.Put(activeCallByIDKey(call.ID), string(raw)); err != nil {
		return "", apperror.DatabaseError(err.Error())
	}

	b.nodes.IncCallCount(node.ID)
	b.startHistory(call)

	b.log.Info("call started", mlog.String("callID", call.ID), mlog.String("nodeID", node.ID))

	token, err := b.tok.Mint(userID, call.ID)
	if err != nil {
		return "", apperror.New(apperror.KindInternalError, err.Error())
	}

	return token, nil
}

// startHistory persists the historical record and kicks off the 30s
// refresh loop (spec §4.3 "Start").
func (b *Broker) startHistory(call ActiveCall) {
	rec := historyRecord{
		ID:        call.ID,
		SpaceID:   call.SpaceID,
		ChannelID: call.ChannelID,
		StartedAt: call.StartedAtMs,
		EndedAt:   b.now().UnixMilli(),
	}
	b.writeHistory(rec)

	ctx, cancel := context.WithCancel(context.Background())
	b.mut.Lock()
	b.calls[call.ID] = cancel
	b.mut.Unlock()

	go func() {
		ticker := time.NewTicker(historyRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec.EndedAt = b.now().UnixMilli()
				b.writeHistory(rec)
			}
		}
	}()
}

func (b *Broker) writeHistory(rec historyRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		b.log.Error("failed to marshal history record", mlog.Err(err))
		return
	}
	if err := b.store.Set(historyKey(rec.ID), string(raw)); err != nil {
		b.log.Error("failed to persist history record", mlog.Err(err))
	}
}

func (b *Broker) stopHistory(callID, nodeID string, endedAtMs int64) {
	b.mut.Lock()
	cancel := b.calls[callID]
	delete(b.calls, callID)
	b.mut.Unlock()
	if cancel != nil {
		cancel()
	}

	raw, err := b.store.Get(historyKey(callID))
	var rec historyRecord
	if err == nil {
		_ = json.Unmarshal([]byte(raw), &rec)
	}
	rec.ID = callID
	rec.EndedAt = endedAtMs
	b.writeHistory(rec)

	if nodeID != "" {
		b.nodes.DecCallCount(nodeID)
	}
}

// JoinCall implements spec §4.3 "Join". The Open Question on permission
// is resolved per spec §9: JoinCalls is required.
func (b *Broker) JoinCall(ctx context.Context, userID, spaceID, channelID, sdpOffer string) (string, string, error) {
	if !b.perm.HasPermission(userID, channelID, PermissionJoinCalls) {
		return "", "", apperror.MissingPermission(string(PermissionJoinCalls))
	}

	call, err := b.getByIndex(spaceID, channelID)
	if err != nil {
		return "", "", err
	}

	if !call.hasMember(userID) {
		call.Members = append(call.Members, userID)
		if err := b.save(call); err != nil {
			return "", "", err
		}
	}

	sessionID := uuid.NewRandom().String()

	ch := make(chan bus.UserCreate, 1)
	b.mut.Lock()
	b.pending[sessionID] = ch
	b.mut.Unlock()
	defer func() {
		b.mut.Lock()
		delete(b.pending, sessionID)
		b.mut.Unlock()
	}()

	if err := b.bus.Publish(ctx, bus.EventUserConnect, bus.UserConnect{
		SessionID: sessionID,
		UserID:    userID,
		CallID:    call.ID,
		SDPOffer:  sdpOffer,
	}); err != nil {
		return "", "", apperror.New(apperror.KindInternalError, "failed to place session")
	}

	select {
	case answer := <-ch:
		b.mut.Lock()
		b.sessionOf[sessionOfKey(call.ID, userID)] = sessionID
		b.mut.Unlock()

		token, err := b.tok.Mint(userID, call.ID)
		if err != nil {
			return "", "", apperror.New(apperror.KindInternalError, err.Error())
		}
		return answer.SDPAnswer, token, nil
	case <-time.After(joinTimeout):
		return "", "", apperror.New(apperror.KindInternalError, "timed out waiting for session answer")
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// HandleUserCreate resolves a pending JoinCall waiting on sessionID (spec
// §4.1 UserCreate). Unknown or already-resolved session ids are dropped,
// matching the at-most-once/idempotent delivery contract (spec §4.1,
// §8-8).
func (b *Broker) HandleUserCreate(ev bus.UserCreate) {
	b.mut.Lock()
	ch := b.pending[ev.SessionID]
	b.mut.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// LeaveCall implements spec §4.3 "Leave". Per spec §9 the membership
// check's sense is: a user not in members cannot leave, and that is a
// NotFound.
func (b *Broker) LeaveCall(ctx context.Context, userID, spaceID, channelID string) error {
	call, err := b.getByIndex(spaceID, channelID)
	if err != nil {
		return err
	}

	if !call.hasMember(userID) {
		return apperror.New(apperror.KindNotFound, "user is not a member of this call")
	}

	members := make([]string, 0, len(call.Members))
	for _, m := range call.Members {
		if m != userID {
			members = append(members, m)
		}
	}
	call.Members = members

	if len(call.Members) == 0 {
		return b.end(ctx, call)
	}

	if err := b.save(call); err != nil {
		return err
	}

	_ = b.bus.Publish(ctx, bus.EventUserDisconnect, bus.UserDisconnect{ID: b.takeSessionOf(call.ID, userID)})

	return nil
}

// takeSessionOf resolves and forgets the node-local session id placed for
// userID's membership in callID (recorded by JoinCall). A node's
// UserDisconnect/UserDelete handling is keyed by session id, not user id
// (spec §3's PeerSession is session-scoped), so this is the join-side half
// of every leave/end path.
func (b *Broker) takeSessionOf(callID, userID string) string {
	key := sessionOfKey(callID, userID)
	b.mut.Lock()
	defer b.mut.Unlock()
	sessionID := b.sessionOf[key]
	delete(b.sessionOf, key)
	if sessionID == "" {
		return userID
	}
	return sessionID
}

// EndCall implements spec §4.3 "End". A second call on an already-ended
// call is idempotent: it returns NotFound and leaves state unchanged
// (spec §8-7).
func (b *Broker) EndCall(ctx context.Context, userID, spaceID, channelID string) error {
	if !b.perm.HasPermission(userID, channelID, PermissionManageCalls) {
		return apperror.MissingPermission(string(PermissionManageCalls))
	}

	call, err := b.getByIndex(spaceID, channelID)
	if err != nil {
		return err
	}

	return b.end(ctx, call)
}

func (b *Broker) end(ctx context.Context, call ActiveCall) error {
	if err := b.store.Delete(activeCallKey(call.SpaceID, call.ChannelID)); err != nil {
		return apperror.DatabaseError(err.Error())
	}
	if err := b.store.Delete(activeCallByIDKey(call.ID)); err != nil {
		return apperror.DatabaseError(err.Error())
	}

	for _, member := range call.Members {
		_ = b.bus.Publish(ctx, bus.EventUserDisconnect, bus.UserDisconnect{ID: b.takeSessionOf(call.ID, member)})
	}

	b.stopHistory(call.ID, call.NodeID, b.now().UnixMilli())

	b.log.Info("call ended", mlog.String("callID", call.ID))

	return nil
}

// EvictNodeCalls is the hook cmd/harmony's sweep calls for each node evicted
// as stale. It does nothing: no call is torn down and no UserDisconnect is
// published. Neither NodeRegistry nor the Store can list the calls placed on
// a node, so calls on an evicted node stay in the Store until their members
// leave or EndCall removes them.
func (b *Broker) EvictNodeCalls(ctx context.Context, nodeID string) {
	_ = ctx
	_ = nodeID
}
