// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// noopMetrics is a Metrics implementation that does nothing, for tests that
// only care about call/session bookkeeping.
type noopMetrics struct{}

func (noopMetrics) IncRTCSessions(string)                       {}
func (noopMetrics) DecRTCSessions(string)                       {}
func (noopMetrics) IncRTCCalls(string)                          {}
func (noopMetrics) DecRTCCalls(string)                          {}
func (noopMetrics) IncRTCConnState(string)                      {}
func (noopMetrics) IncRTPPackets(string, string)                {}
func (noopMetrics) AddRTPPacketBytes(string, string, int)       {}
func (noopMetrics) IncRTCErrors(string, string)                 {}
func (noopMetrics) ObserveRTCClientLossRate(string, float64)    {}
func (noopMetrics) ObserveRTCClientRTT(string, float64)         {}
func (noopMetrics) ObserveRTCClientJitter(string, float64)      {}
func (noopMetrics) ObserveRTCSignalingLockTime(string, float64) {}

func newTestLogger(t *testing.T) mlog.LoggerIFace {
	t.Helper()
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	return log
}

func newTestSession(t *testing.T, sessionID string, c *call) *session {
	t.Helper()
	us := &session{
		cfg: SessionConfig{
			CallID:    c.id,
			UserID:    "user-" + sessionID,
			SessionID: sessionID,
		},
		tracksIn:       make(map[string]*trackIn),
		tracksOut:      make(map[string]*trackOut),
		tracksOutByKey: make(map[string]*trackOut),
		closeCh:        make(chan struct{}),
		log:            newTestLogger(t),
		call:           c,
	}
	c.addSession(us)
	return us
}

func TestTrackInKey(t *testing.T) {
	require.Equal(t, "sessionA/mid0", trackInKey("sessionA", "mid0"))
}

func TestCallAddTrackInNotifiesOtherSessions(t *testing.T) {
	c := newCall("callID", noopMetrics{})
	producer := newTestSession(t, "producer", c)
	consumer := newTestSession(t, "consumer", c)
	consumer.tracksCh = make(chan trackActionContext, 1)

	in := &trackIn{originSessionID: producer.cfg.SessionID, mid: "0", kind: webrtc.RTPCodecTypeVideo}

	c.addTrackIn(in)

	select {
	case ctx := <-consumer.tracksCh:
		require.Equal(t, trackActionAdd, ctx.action)
	default:
		t.Fatal("expected consumer to be notified of the new track")
	}

	in2, ok := func() (*trackIn, bool) {
		c.mut.RLock()
		defer c.mut.RUnlock()
		v, ok := c.tracksIn[trackInKey(producer.cfg.SessionID, "0")]
		return v, ok
	}()
	require.True(t, ok)
	require.Equal(t, in, in2)
}

func TestCallConsumerRegistry(t *testing.T) {
	c := newCall("callID", noopMetrics{})
	key := trackInKey("producer", "0")

	c.registerConsumer(key, "consumerA")
	c.registerConsumer(key, "consumerB")

	c.mut.RLock()
	require.Len(t, c.consumers[key], 2)
	c.mut.RUnlock()

	c.unregisterConsumer(key, "consumerA")

	c.mut.RLock()
	require.Len(t, c.consumers[key], 1)
	_, stillThere := c.consumers[key]["consumerB"]
	c.mut.RUnlock()
	require.True(t, stillThere)
}

func TestCallPropagateWritesToRegisteredConsumers(t *testing.T) {
	c := newCall("callID", noopMetrics{})
	consumer := newTestSession(t, "consumer", c)

	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "0", "producer")
	require.NoError(t, err)

	out := &trackOut{local: local, state: trackOutOpen, mid: "0"}
	key := trackInKey("producer", "0")

	consumer.tracksOutMut.Lock()
	consumer.tracksOutByKey[key] = out
	consumer.tracksOutMut.Unlock()

	c.registerConsumer(key, consumer.cfg.SessionID)

	// With no bound remote peer, WriteRTP on a TrackLocalStaticRTP with no
	// readers is a no-op; propagate should not panic or error out.
	require.NotPanics(t, func() {
		c.propagate(key, &rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	})
}

func TestCallRemoveSessionClearsConsumersAndTracks(t *testing.T) {
	c := newCall("callID", noopMetrics{})
	producer := newTestSession(t, "producer", c)
	consumer := newTestSession(t, "consumer", c)

	in := &trackIn{originSessionID: producer.cfg.SessionID, mid: "0", kind: webrtc.RTPCodecTypeVideo}
	c.addTrackIn(in)

	key := trackInKey(producer.cfg.SessionID, "0")
	c.registerConsumer(key, consumer.cfg.SessionID)

	c.removeSession(producer, newTestLogger(t))

	c.mut.RLock()
	_, hasTrack := c.tracksIn[key]
	_, hasConsumerSet := c.consumers[key]
	_, hasSession := c.sessions[producer.cfg.SessionID]
	c.mut.RUnlock()

	require.False(t, hasTrack)
	require.False(t, hasConsumerSet)
	require.False(t, hasSession)
}

func TestCallPLILimiterIsPerMid(t *testing.T) {
	c := newCall("callID", noopMetrics{})

	l1 := c.pliLimiter("mid0")
	l2 := c.pliLimiter("mid0")
	l3 := c.pliLimiter("mid1")

	require.Same(t, l1, l2)
	require.NotSame(t, l1, l3)

	require.True(t, l1.Allow())
	require.False(t, l1.Allow())
}

func TestCallEmpty(t *testing.T) {
	c := newCall("callID", noopMetrics{})
	require.True(t, c.empty())

	us := newTestSession(t, "sessionA", c)
	require.False(t, c.empty())

	c.removeSession(us, newTestLogger(t))
	require.True(t, c.empty())
}
