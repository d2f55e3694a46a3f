// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/pion/rtp"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// call is the node-local fan-out hub for one ActiveCall. It is destroyed
// when its members map empties.
type call struct {
	id          string
	sessions    map[string]*session
	tracksIn    map[string]*trackIn // keyed by originSessionID+"/"+mid
	consumers   map[string]map[string]struct{} // trackInKey -> set of consuming sessionIDs
	pliLimiters map[string]*rate.Limiter
	metrics     Metrics

	mut sync.RWMutex
}

func newCall(id string, metrics Metrics) *call {
	return &call{
		id:          id,
		sessions:    make(map[string]*session),
		tracksIn:    make(map[string]*trackIn),
		consumers:   make(map[string]map[string]struct{}),
		pliLimiters: make(map[string]*rate.Limiter),
		metrics:     metrics,
	}
}

func trackInKey(originSessionID, mid string) string {
	return originSessionID + "/" + mid
}

func (c *call) getSession(sessionID string) *session {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return c.sessions[sessionID]
}

func (c *call) addSession(s *session) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.sessions[s.cfg.SessionID] = s
}

func (c *call) iterSessions(cb func(s *session)) {
	c.mut.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mut.RUnlock()
	for _, s := range sessions {
		cb(s)
	}
}

// empty reports whether the call has no remaining members and should be torn
// down.
func (c *call) empty() bool {
	c.mut.RLock()
	defer c.mut.RUnlock()
	return len(c.sessions) == 0
}

// addTrackIn registers a newly produced track, owned by the call for the
// duration of the originating session's lifetime, and fans out a
// TrackAvailable event to every other member.
func (c *call) addTrackIn(in *trackIn) {
	c.mut.Lock()
	c.tracksIn[trackInKey(in.originSessionID, in.mid)] = in
	c.mut.Unlock()

	c.iterSessions(func(s *session) {
		if s.cfg.SessionID == in.originSessionID {
			return
		}
		s.notifyTrackAvailable(in)
	})
}

// removeSessionTracks drops every trackIn owned by the given session,
// e.g. on session close. Consumers holding a weak trackOut.ref simply stop
// resolving; no explicit cascade is needed.
func (c *call) removeSessionTracks(sessionID string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for key, in := range c.tracksIn {
		if in.originSessionID == sessionID {
			delete(c.tracksIn, key)
			delete(c.consumers, key)
		}
	}
	for _, set := range c.consumers {
		delete(set, sessionID)
	}
}

// registerConsumer records that consumerSessionID now has an Open trackOut
// forwarding the given producer track, so propagate knows to reach it.
func (c *call) registerConsumer(trackKey, consumerSessionID string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	set, ok := c.consumers[trackKey]
	if !ok {
		set = make(map[string]struct{})
		c.consumers[trackKey] = set
	}
	set[consumerSessionID] = struct{}{}
}

func (c *call) unregisterConsumer(trackKey, consumerSessionID string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.consumers[trackKey], consumerSessionID)
}

// propagate is the Call's MediaData fan-out: every session currently
// forwarding trackKey gets the packet written to its outbound track.
func (c *call) propagate(trackKey string, pkt *rtp.Packet) {
	c.mut.RLock()
	consumerIDs := make([]string, 0, len(c.consumers[trackKey]))
	for id := range c.consumers[trackKey] {
		consumerIDs = append(consumerIDs, id)
	}
	c.mut.RUnlock()

	for _, id := range consumerIDs {
		cs := c.getSession(id)
		if cs == nil {
			continue
		}
		cs.writeTrackOut(trackKey, pkt)
	}
}

// syncTracksIn notifies a newly-joined session about every trackIn already
// produced by other members, so it doesn't have to wait for the next one to
// be published to start consuming the call.
func (c *call) syncTracksIn(target *session) {
	c.mut.RLock()
	tracks := make([]*trackIn, 0, len(c.tracksIn))
	for _, in := range c.tracksIn {
		if in.originSessionID != target.cfg.SessionID {
			tracks = append(tracks, in)
		}
	}
	c.mut.RUnlock()

	for _, in := range tracks {
		target.notifyTrackAvailable(in)
	}
}

// removeSession removes us from the call's membership and cleans up any
// tracks it produced.
func (c *call) removeSession(us *session, log mlog.LoggerIFace) {
	c.mut.Lock()
	delete(c.sessions, us.cfg.SessionID)
	for _, set := range c.consumers {
		delete(set, us.cfg.SessionID)
	}
	c.mut.Unlock()

	c.removeSessionTracks(us.cfg.SessionID)

	log.Debug("removed session from call", mlog.String("sessionID", us.cfg.SessionID), mlog.String("callID", c.id))
}

// pliLimiter returns the per-mid keyframe-request throttle, creating it on
// first use. One request per second per mid, per spec's "Resource caps".
func (c *call) pliLimiter(mid string) *rate.Limiter {
	c.mut.Lock()
	defer c.mut.Unlock()
	l, ok := c.pliLimiters[mid]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1), 1)
		c.pliLimiters[mid] = l
	}
	return l
}
