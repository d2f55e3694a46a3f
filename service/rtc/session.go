// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/pulse-sfu/harmony/service/rtc/dc"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	signalChSize         = 20
	tracksChSize         = 100
	signalingLockTimeout = 5 * time.Second
)

// sessionState is the PeerSession state machine: Idle -> Negotiating ->
// Open -> Draining -> Closed.
type sessionState int32

const (
	sessionIdle sessionState = iota + 1
	sessionNegotiating
	sessionOpen
	sessionDraining
	sessionClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionIdle:
		return "idle"
	case sessionNegotiating:
		return "negotiating"
	case sessionOpen:
		return "open"
	case sessionDraining:
		return "draining"
	case sessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// offerMessage ties an offer to the channel its answer should arrive on.
// The channel may be backed by either WebSocket or DataChannel signaling.
type offerMessage struct {
	sdp      webrtc.SessionDescription
	answerCh chan<- Message
}

type dcMessage struct {
	msgType dc.MessageType
	payload any
}

// session is a PeerSession: node-local, exclusively owned state connecting
// one user to one call.
type session struct {
	cfg SessionConfig

	state atomic.Int32

	rtcConn       *webrtc.PeerConnection
	localUDPAddr  string
	tracksCh      chan trackActionContext
	iceInCh       chan []byte
	sdpOfferInCh  chan offerMessage
	sdpAnswerInCh chan webrtc.SessionDescription
	dcSDPCh       chan Message
	dcOutCh       chan dcMessage
	dcOpenCh      chan struct{}
	signalingLock *dc.Lock
	startLockTime atomic.Pointer[time.Time]

	// tracksIn: mid -> the trackIn produced by this session.
	tracksInMut sync.RWMutex
	tracksIn    map[string]*trackIn

	// tracksOut: own mid -> the trackOut this session sends on the wire,
	// plus a reverse index by (originSessionID, producer mid) so the
	// owning call's propagate() can find which local track to write to
	// without this session needing to resolve weak refs itself.
	tracksOutMut    sync.RWMutex
	tracksOut       map[string]*trackOut
	tracksOutByKey  map[string]*trackOut

	closeCh chan struct{}
	closeCb func() error
	doneCh  chan struct{}

	makingOffer bool

	log  mlog.LoggerIFace
	call *call

	mut sync.RWMutex
}

func (s *Server) addSession(cfg SessionConfig, peerConn *webrtc.PeerConnection, closeCb func() error, sessionLog mlog.LoggerIFace) (*session, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	if peerConn == nil {
		return nil, fmt.Errorf("peerConn should not be nil")
	}

	s.mut.Lock()
	c := s.calls[cfg.CallID]
	if c == nil {
		c = newCall(cfg.CallID, s.metrics)
		s.calls[c.id] = c
		s.metrics.IncRTCCalls(c.id)
	}
	s.mut.Unlock()

	if c.getSession(cfg.SessionID) != nil {
		return nil, fmt.Errorf("user session already exists")
	}

	us := &session{
		cfg:           cfg,
		rtcConn:       peerConn,
		iceInCh:       make(chan []byte, signalChSize*2),
		sdpOfferInCh:  make(chan offerMessage, signalChSize),
		sdpAnswerInCh: make(chan webrtc.SessionDescription, signalChSize),
		dcSDPCh:       make(chan Message, signalChSize),
		dcOutCh:       make(chan dcMessage, signalChSize),
		dcOpenCh:      make(chan struct{}, 1),
		signalingLock: dc.NewLock(),
		closeCh:       make(chan struct{}),
		closeCb:       closeCb,
		doneCh:        make(chan struct{}),
		tracksCh:       make(chan trackActionContext, tracksChSize),
		tracksIn:       make(map[string]*trackIn),
		tracksOut:      make(map[string]*trackOut),
		tracksOutByKey: make(map[string]*trackOut),
		log:           sessionLog,
		call:          c,
	}
	us.state.Store(int32(sessionIdle))

	c.addSession(us)

	s.mut.Lock()
	s.sessions[cfg.SessionID] = cfg
	s.mut.Unlock()

	s.metrics.IncRTCSessions(c.id)

	return us, nil
}

func (s *session) getState() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

func (s *Server) handleDCNegotiation(us *session, call *call) {
	defer func() {
		select {
		case <-us.doneCh:
			return
		default:
			close(us.doneCh)
		}
	}()

	us.setState(sessionNegotiating)

	select {
	case offerMsg, ok := <-us.sdpOfferInCh:
		if !ok {
			return
		}
		if err := us.signaling(offerMsg.sdp, offerMsg.answerCh); err != nil {
			s.metrics.IncRTCErrors(call.id, "signaling")
			s.log.Error("failed to signal", mlog.Err(err), mlog.Any("sessionCfg", us.cfg))

			close(us.doneCh)
			if err := s.CloseSession(us.cfg.SessionID); err != nil {
				s.log.Error("failed to close session", mlog.Any("sessionCfg", us.cfg))
			}

			return
		}
	case <-time.After(signalingTimeout):
		s.log.Error("timed out signaling", mlog.Any("sessionCfg", us.cfg))
		s.metrics.IncRTCErrors(call.id, "signaling")

		close(us.doneCh)
		if err := s.CloseSession(us.cfg.SessionID); err != nil {
			s.log.Error("failed to close session", mlog.Any("sessionCfg", us.cfg))
		}

		return
	case <-us.closeCh:
		s.log.Debug("closeCh closed during signaling", mlog.Any("sessionCfg", us.cfg))
		return
	}

	us.setState(sessionOpen)

	iceDoneCh := make(chan struct{})
	go func() {
		defer close(iceDoneCh)
		us.handleICE(s.metrics)
	}()

	select {
	case <-us.dcOpenCh:
		us.log.Debug("DC is open, starting to handle tracks")
		s.handleTracks(call, us)
	case <-us.closeCh:
	}

	<-iceDoneCh
}

// handleICE deals with trickle ICE candidates.
func (s *session) handleICE(m Metrics) {
	for {
		select {
		case data, ok := <-s.iceInCh:
			if !ok {
				return
			}

			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(data, &candidate); err != nil {
				s.log.Error("failed to encode ice candidate", mlog.Err(err))
				continue
			}

			if candidate.Candidate == "" {
				continue
			}

			s.log.Debug("setting ICE candidate for remote")

			if err := s.rtcConn.AddICECandidate(candidate); err != nil {
				s.log.Error("failed to add ice candidate", mlog.Err(err))
				m.IncRTCErrors(s.call.id, "ice")
				continue
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *session) handleReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		rtcpBuf := make([]byte, receiveMTU)
		if _, _, err := receiver.Read(rtcpBuf); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("failed to read RTCP packet", mlog.Err(err))
			}
			return
		}
	}
}

// handleSenderRTCP listens for PLI requests on an outbound track and
// forwards a throttled keyframe request to the session that owns the
// producing trackIn, per the spec's "only the origin session acts on it"
// rule.
func (s *session) handleSenderRTCP(sender *webrtc.RTPSender, out *trackOut) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error("failed to read RTCP packet", mlog.Err(err))
			}
			return
		}

		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); !ok {
				continue
			}

			in, ok := out.resolve()
			if !ok {
				continue
			}

			limiter := s.call.pliLimiter(in.mid)
			if !limiter.Allow() {
				continue
			}

			origin := s.call.getSession(in.originSessionID)
			if origin == nil {
				continue
			}

			if err := origin.requestKeyframe(in); err != nil {
				s.log.Error("failed to request keyframe", mlog.Err(err), mlog.String("mid", in.mid))
			}
		}
	}
}

// requestKeyframe asks the producing client for a new keyframe on the given
// inbound track. Only the session whose rtcConn received the track should
// ever call this.
func (s *session) requestKeyframe(in *trackIn) error {
	return s.rtcConn.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(in.remote.SSRC())},
	})
}

// writeTrackOut is the consuming side of call.propagate: it writes an
// incoming RTP packet to whichever local track forwards trackKey, if this
// session has one open.
func (s *session) writeTrackOut(trackKey string, pkt *rtp.Packet) {
	s.tracksOutMut.RLock()
	out, ok := s.tracksOutByKey[trackKey]
	s.tracksOutMut.RUnlock()
	if !ok || out.state != trackOutOpen {
		return
	}

	if err := out.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Error("failed to write RTP packet", mlog.Err(err), mlog.String("sessionID", s.cfg.SessionID))
		s.call.metrics.IncRTCErrors(s.call.id, "rtp")
		return
	}

	kind := getTrackKind(out.local.Kind())
	s.call.metrics.IncRTPPackets("out", kind)
	s.call.metrics.AddRTPPacketBytes("out", kind, pkt.MarshalSize())
}

// sendOffer creates and sends out a new SDP offer for any pending ToOpen
// tracks.
func (s *session) sendOffer(sdpOutCh chan<- Message) error {
	offer, err := s.rtcConn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	if err := s.rtcConn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	sdp, err := json.Marshal(s.rtcConn.LocalDescription())
	if err != nil {
		return fmt.Errorf("failed to marshal sdp: %w", err)
	}

	select {
	case sdpOutCh <- newMessage(s, SDPMessage, sdp):
		return nil
	default:
		return fmt.Errorf("failed to send SDP message: channel is full")
	}
}

// openTrackOut negotiates one ToOpen trackOut: adds the local track,
// transitions Negotiating(mid), sends the offer, and on answer transitions
// to Open(mid).
func (s *session) openTrackOut(sdpOutCh chan<- Message, out *trackOut) (errRet error) {
	s.mut.Lock()
	s.makingOffer = true
	s.mut.Unlock()
	defer func() {
		s.mut.Lock()
		s.makingOffer = false
		s.mut.Unlock()
	}()

	in, ok := out.resolve()
	if !ok {
		return fmt.Errorf("producer track is gone")
	}

	sender, err := s.rtcConn.AddTrack(out.local)
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", out.local.ID(), err)
	}

	out.state = trackOutNegotiating

	defer func() {
		if errRet == nil {
			return
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			s.log.Error("failed to replace track", mlog.String("trackID", out.local.ID()))
		}
	}()

	go s.handleSenderRTCP(sender, out)

	if err := s.sendOffer(sdpOutCh); err != nil {
		return fmt.Errorf("failed to send offer for track %s: %w", out.local.ID(), err)
	}

	select {
	case answer, ok := <-s.sdpAnswerInCh:
		if !ok {
			return nil
		}
		if err := s.rtcConn.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("failed to set remote description for track %s: %w", out.local.ID(), err)
		}

		for _, trx := range s.rtcConn.GetTransceivers() {
			if trx.Sender() == sender {
				out.mid = trx.Mid()
				break
			}
		}
		out.state = trackOutOpen

		trackKey := trackInKey(in.originSessionID, in.mid)
		s.tracksOutMut.Lock()
		s.tracksOut[out.mid] = out
		s.tracksOutByKey[trackKey] = out
		s.tracksOutMut.Unlock()

		s.call.registerConsumer(trackKey, s.cfg.SessionID)
	case <-time.After(signalingTimeout):
		out.state = trackOutToOpen
		return fmt.Errorf("timed out signaling")
	case <-s.closeCh:
		s.log.Debug("closeCh closed during signaling", mlog.Any("sessionCfg", s.cfg))
		return nil
	}

	return nil
}

// signaling handles an incoming SDP offer. A roll-back of any in-flight
// Negotiating tracks back to ToOpen happens implicitly: the caller is
// expected to only invoke this once no renegotiation is pending, per the
// "only one re-negotiation may be in flight" rule.
func (s *session) signaling(offer webrtc.SessionDescription, answerCh chan<- Message) error {
	if s.hasSignalingConflict() {
		s.log.Debug("signaling conflict detected, ignoring offer", mlog.Any("session", s.cfg))
		return nil
	}

	if err := s.rtcConn.SetRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := s.rtcConn.CreateAnswer(nil)
	if err != nil {
		return err
	}

	if err := s.rtcConn.SetLocalDescription(answer); err != nil {
		return err
	}

	sdp, err := json.Marshal(s.rtcConn.LocalDescription())
	if err != nil {
		return err
	}

	select {
	case answerCh <- newMessage(s, SDPMessage, sdp):
	default:
		return fmt.Errorf("failed to send SDP message: channel is full")
	}

	return nil
}

func (s *session) hasSignalingConflict() bool {
	s.mut.RLock()
	defer s.mut.RUnlock()
	if s.rtcConn == nil {
		return false
	}
	return s.makingOffer || s.rtcConn.SignalingState() != webrtc.SignalingStateStable
}

func (s *session) dcSignaling() bool {
	if s.cfg.Props == nil {
		return false
	}
	return s.cfg.Props.DCSignaling()
}

// notifyTrackAvailable enqueues a trackOut for a newly produced remote
// track, to be opened by the next negotiation pass.
func (s *session) notifyTrackAvailable(in *trackIn) {
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeTypeForKind(in.kind)}, in.mid, in.originSessionID)
	if err != nil {
		s.log.Error("failed to create local track", mlog.Err(err))
		return
	}

	out := newTrackOut(in, local)

	select {
	case s.tracksCh <- trackActionContext{action: trackActionAdd, trackOut: out}:
	default:
		s.log.Error("failed to queue track add: channel is full", mlog.String("sessionID", s.cfg.SessionID))
	}
}

func mimeTypeForKind(kind webrtc.RTPCodecType) string {
	if kind == webrtc.RTPCodecTypeAudio {
		return webrtc.MimeTypeOpus
	}
	return webrtc.MimeTypeVP8
}

// sendMediaMapping publishes the session's current mid -> track-kind map
// over the data channel, so the client can bind application-level track
// ids to SDP mids without a further signaling round trip.
func (s *session) sendMediaMapping() error {
	mediaMap := dc.MediaMap{}

	for _, trx := range s.rtcConn.GetTransceivers() {
		if trx.Sender() == nil {
			continue
		}
		track := trx.Sender().Track()
		if track == nil {
			continue
		}
		mediaMap[trx.Mid()] = dc.TrackInfo{
			Type:     string(track.Kind().String()),
			SenderID: s.cfg.SessionID,
		}
	}

	select {
	case s.dcOutCh <- dcMessage{msgType: dc.MessageTypeMediaMap, payload: mediaMap}:
	default:
		return fmt.Errorf("failed to send MediaMap message: channel is full")
	}

	return nil
}
