// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/pion/interceptor/pkg/nack"
)

var (
	videoRTCPFeedback = []webrtc.RTCPFeedback{
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack", Parameter: ""},
		{Type: "nack", Parameter: "pli"},
	}
	rtpAudioCodec = webrtc.RTPCodecCapability{
		MimeType:     webrtc.MimeTypeOpus,
		ClockRate:    48000,
		Channels:     2,
		SDPFmtpLine:  "minptime=10;useinbandfec=1",
		RTCPFeedback: nil,
	}
	rtpVideoCodec = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			SDPFmtpLine:  "",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 96,
	}
	rtpVideoExtensions = []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
		"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
	}
)

const (
	nackResponderBufferSize = 256
	receiveMTU              = 1460
)

func initMediaEngine() (*webrtc.MediaEngine, error) {
	var m webrtc.MediaEngine
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: rtpAudioCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(rtpVideoCodec, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	for _, ext := range rtpVideoExtensions {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("failed to register header extension: %w", err)
		}
	}

	return &m, nil
}

// initInterceptors wires NACK, RTCP reports and TWCC. There is no
// congestion-control/BWE interceptor here: the node's simulcast selection
// (simulcast.go) is a static rid preference, not bandwidth-driven, so
// nothing in this repo consumes a BandwidthEstimator.
func initInterceptors(m *webrtc.MediaEngine) (*interceptor.Registry, error) {
	var i interceptor.Registry

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, err
	}
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(nackResponderBufferSize), nack.DisableCopy())
	if err != nil {
		return nil, err
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	i.Add(responder)
	i.Add(generator)

	if err := webrtc.ConfigureRTCPReports(&i); err != nil {
		return nil, err
	}

	if err := webrtc.ConfigureTWCCSender(m, &i); err != nil {
		return nil, err
	}

	return &i, nil
}

// InitSession builds the pion PeerConnection for a new PeerSession and wires
// every callback (ICE candidates, connection state, data channel, inbound
// tracks) that drives it for the rest of its life.
func (s *Server) InitSession(cfg SessionConfig, closeCb func() error, sessionLog mlog.LoggerIFace) error {
	if err := cfg.IsValid(); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	iceServers := make([]webrtc.ICEServer, 0, len(s.cfg.ICEServers))
	for _, iceCfg := range s.cfg.ICEServers {
		if iceCfg.IsTURN() && s.cfg.TURNConfig.StaticAuthSecret == "" {
			continue
		}
		if iceCfg.IsTURN() && iceCfg.Username == "" && iceCfg.Credential == "" {
			ts := time.Now().Add(time.Duration(s.cfg.TURNConfig.CredentialsExpirationMinutes) * time.Minute).Unix()
			username, password, err := genTURNCredentials(cfg.SessionID, s.cfg.TURNConfig.StaticAuthSecret, ts)
			if err != nil {
				s.log.Error("failed to generate TURN credentials", mlog.Err(err))
				continue
			}
			iceCfg.Username = username
			iceCfg.Credential = password
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       iceCfg.URLs,
			Username:   iceCfg.Username,
			Credential: iceCfg.Credential,
		})
	}

	peerConnConfig := webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	mEngine, err := initMediaEngine()
	if err != nil {
		return fmt.Errorf("failed to init media engine: %w", err)
	}

	iRegistry, err := initInterceptors(mEngine)
	if err != nil {
		return fmt.Errorf("failed to init interceptors: %w", err)
	}

	sEngine, err := s.initSettingEngine()
	if err != nil {
		return fmt.Errorf("failed to init setting engine: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mEngine),
		webrtc.WithSettingEngine(sEngine),
		webrtc.WithInterceptorRegistry(iRegistry),
	)
	peerConn, err := api.NewPeerConnection(peerConnConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	us, err := s.addSession(cfg, peerConn, closeCb, sessionLog)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	call := us.call

	peerConn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		if candidate.Typ == webrtc.ICECandidateTypeHost {
			if port := s.cfg.ICEHostPortOverride.SinglePort(); port != 0 {
				candidate.Port = uint16(port)
			}
		}

		msg, err := newICEMessage(us, candidate)
		if err != nil {
			s.log.Error("failed to create ICE message", mlog.Err(err), mlog.String("sessionID", cfg.SessionID))
			return
		}

		select {
		case <-us.closeCh:
			return
		default:
		}

		select {
		case s.receiveCh <- msg:
		default:
			s.log.Error("failed to send ICE message: channel is full", mlog.String("sessionID", cfg.SessionID))
		}
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.log.Debug("rtc connected!", mlog.String("sessionID", cfg.SessionID))
			s.metrics.IncRTCConnState("connected")
		case webrtc.PeerConnectionStateDisconnected:
			s.metrics.IncRTCConnState("disconnected")
		case webrtc.PeerConnectionStateFailed:
			s.metrics.IncRTCConnState("failed")
			if err := s.CloseSession(cfg.SessionID); err != nil {
				s.log.Error("failed to close RTC session", mlog.Err(err), mlog.Any("sessionCfg", cfg))
			}
		case webrtc.PeerConnectionStateClosed:
			s.metrics.IncRTCConnState("closed")
			if err := s.CloseSession(cfg.SessionID); err != nil {
				s.log.Error("failed to close RTC session", mlog.Err(err), mlog.Any("sessionCfg", cfg))
			}
		}
	})

	peerConn.OnDataChannel(func(dataCh *webrtc.DataChannel) {
		s.handleDC(us, dataCh)
	})

	peerConn.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.handleOnTrack(call, us, remoteTrack, receiver)
	})

	go s.handleDCNegotiation(us, call)

	s.log.Debug("session has joined call",
		mlog.String("userID", cfg.UserID),
		mlog.String("sessionID", cfg.SessionID),
		mlog.String("callID", cfg.CallID),
	)

	return nil
}

// handleOnTrack registers the remote track as (or merges it into) the
// session's trackIn for its mid, applying the static simulcast rid
// preference, then reads RTP for the life of the track, forwarding packets
// through the owning call's propagate fan-out whenever this layer is the
// chosen one.
func (s *Server) handleOnTrack(call *call, us *session, remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := remoteTrack.Mid()
	rid := remoteTrack.RID()

	s.log.Debug("new track received",
		mlog.String("mid", mid),
		mlog.String("rid", rid),
		mlog.String("kind", getTrackKind(remoteTrack.Kind())),
		mlog.String("sessionID", us.cfg.SessionID),
	)

	us.tracksInMut.Lock()
	in, exists := us.tracksIn[mid]
	if !exists {
		in = newTrackIn(us.cfg.SessionID, remoteTrack, receiver)
		in.chosenRID = rid
		us.tracksIn[mid] = in
	} else if shouldAdoptRID(in.chosenRID, rid) {
		in.remote = remoteTrack
		in.receiver = receiver
		in.chosenRID = rid
	}
	us.tracksInMut.Unlock()

	if !exists {
		call.addTrackIn(in)
	}

	go us.handleReceiverRTCP(receiver)

	trackKey := trackInKey(us.cfg.SessionID, mid)

	for {
		packet, _, readErr := remoteTrack.ReadRTP()
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				s.log.Error("failed to read RTP packet", mlog.Err(readErr), mlog.String("sessionID", us.cfg.SessionID))
				s.metrics.IncRTCErrors(call.id, "rtp")
			}
			return
		}

		us.tracksInMut.RLock()
		isChosen := in.remote == remoteTrack
		us.tracksInMut.RUnlock()
		if !isChosen {
			continue
		}

		in.active = true
		s.metrics.IncRTPPackets("in", getTrackKind(remoteTrack.Kind()))
		s.metrics.AddRTPPacketBytes("in", getTrackKind(remoteTrack.Kind()), packet.MarshalSize())
		call.propagate(trackKey, packet)
	}
}

// handleTracks is the per-session negotiation loop: it seeds the session
// with every track already flowing in the call, then opens each queued
// trackOut in turn and keeps servicing client-initiated renegotiation
// offers (e.g. the client adding its own track) until the session closes.
func (s *Server) handleTracks(call *call, us *session) {
	call.syncTracksIn(us)

	sdpCh := s.receiveCh
	if us.dcSignaling() {
		sdpCh = us.dcSDPCh
	}

	for {
		select {
		case ctx, ok := <-us.tracksCh:
			if !ok {
				return
			}
			if ctx.action != trackActionAdd {
				continue
			}
			if err := us.openTrackOut(sdpCh, ctx.trackOut); err != nil {
				s.metrics.IncRTCErrors(call.id, "track")
				s.log.Error("failed to open track", mlog.Err(err), mlog.String("sessionID", us.cfg.SessionID))
				continue
			}
			if err := us.sendMediaMapping(); err != nil {
				s.log.Error("failed to send media mapping", mlog.Err(err), mlog.String("sessionID", us.cfg.SessionID))
			}
		case offerMsg, ok := <-us.sdpOfferInCh:
			if !ok {
				return
			}
			if err := us.signaling(offerMsg.sdp, offerMsg.answerCh); err != nil {
				s.metrics.IncRTCErrors(call.id, "signaling")
				s.log.Error("failed to signal", mlog.Err(err), mlog.String("sessionID", us.cfg.SessionID))
			}
		case <-us.closeCh:
			return
		}
	}
}

// CloseSession tears down one PeerSession: closes its RTC connection,
// removes it (and any tracks it produced) from its call, and destroys the
// call once it is left empty.
func (s *Server) CloseSession(sessionID string) error {
	s.mut.Lock()
	cfg, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	if len(s.sessions) == 0 && s.drainCh != nil {
		close(s.drainCh)
		s.drainCh = nil
	}
	s.mut.Unlock()
	if !ok {
		return nil
	}

	s.mut.RLock()
	call := s.calls[cfg.CallID]
	s.mut.RUnlock()
	if call == nil {
		return fmt.Errorf("call not found: %s", cfg.CallID)
	}

	us := call.getSession(cfg.SessionID)
	if us == nil {
		return fmt.Errorf("session not found: %s", cfg.SessionID)
	}

	us.setState(sessionDraining)
	call.removeSession(us, s.log)
	s.metrics.DecRTCSessions(cfg.CallID)

	if call.empty() {
		s.mut.Lock()
		delete(s.calls, cfg.CallID)
		s.mut.Unlock()
		s.metrics.DecRTCCalls(cfg.CallID)
	}

	us.mut.Lock()
	select {
	case <-us.closeCh:
	default:
		close(us.closeCh)
	}
	us.mut.Unlock()
	_ = us.rtcConn.Close()

	<-us.doneCh
	us.setState(sessionClosed)

	if us.closeCb != nil {
		return us.closeCb()
	}

	return nil
}
