// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	msgChSize        = 256
	signalingTimeout = 10 * time.Second
)

// Server is the pulse node's local SFU: it owns every call and PeerSession
// hosted on this process and the config (ICE servers, host override,
// ephemeral UDP port range) from which InitSession builds each new
// session's own media engine, interceptors and peer connection.
type Server struct {
	cfg     ServerConfig
	log     mlog.LoggerIFace
	metrics Metrics

	calls    map[string]*call
	sessions map[string]SessionConfig

	sendCh    chan Message
	receiveCh chan Message
	drainCh   chan struct{}

	mut sync.RWMutex
}

func NewServer(cfg ServerConfig, log mlog.LoggerIFace, metrics Metrics) (*Server, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		calls:     map[string]*call{},
		sessions:  map[string]SessionConfig{},
		sendCh:    make(chan Message, msgChSize),
		receiveCh: make(chan Message, msgChSize),
	}

	return s, nil
}

func (s *Server) Send(msg Message) error {
	select {
	case s.sendCh <- msg:
	default:
		return fmt.Errorf("failed to send rtc message, channel is full")
	}
	return nil
}

func (s *Server) ReceiveCh() <-chan Message {
	return s.receiveCh
}

func (s *Server) Start() error {
	if s.cfg.ICEHostOverride == "" && len(s.cfg.ICEServers) > 0 {
		addr, err := getPublicIP(s.cfg.ICEPortUDP, []string{s.cfg.ICEServers.getSTUN()})
		if err != nil {
			return fmt.Errorf("failed to get public IP address: %w", err)
		}
		s.cfg.ICEHostOverride = addr
		s.log.Info("got public IP address", mlog.String("addr", addr))
	}

	go s.msgReader()

	return nil
}

func (s *Server) Stop() error {
	var drainCh chan struct{}
	s.mut.Lock()
	if len(s.sessions) > 0 {
		s.log.Info("rtc: sessions ongoing, draining before exiting")
		drainCh = make(chan struct{})
		s.drainCh = drainCh
	} else {
		s.log.Debug("rtc: no sessions ongoing, exiting")
	}
	s.mut.Unlock()

	if drainCh != nil {
		<-drainCh
	}

	close(s.receiveCh)
	close(s.sendCh)

	s.log.Info("rtc: server was shutdown")

	return nil
}

func (s *Server) initSettingEngine() (webrtc.SettingEngine, error) {
	sEngine := webrtc.SettingEngine{
		LoggerFactory: s,
	}
	sEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)

	networkTypes := []webrtc.NetworkType{webrtc.NetworkTypeUDP4}
	if s.cfg.EnableIPv6 {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP6)
	}
	sEngine.SetNetworkTypes(networkTypes)

	if s.cfg.UDPPortRangeMin > 0 && s.cfg.UDPPortRangeMax > 0 {
		if err := sEngine.SetEphemeralUDPPortRange(s.cfg.UDPPortRangeMin, s.cfg.UDPPortRangeMax); err != nil {
			return webrtc.SettingEngine{}, fmt.Errorf("failed to set UDP port range: %w", err)
		}
	}

	if s.cfg.ICEHostOverride != "" {
		sEngine.SetNAT1To1IPs([]string{s.cfg.ICEHostOverride}, webrtc.ICECandidateTypeHost)
	}

	return sEngine, nil
}

func (s *Server) msgReader() {
	for msg := range s.sendCh {
		if err := msg.IsValid(); err != nil {
			s.log.Error("invalid message", mlog.Err(err), mlog.Int("msgType", int(msg.Type)))
			continue
		}

		s.mut.RLock()
		cfg, ok := s.sessions[msg.SessionID]
		s.mut.RUnlock()
		if !ok {
			s.log.Error("session not found",
				mlog.String("sessionID", msg.SessionID),
				mlog.Int("msgType", int(msg.Type)))
			continue
		}

		s.mut.RLock()
		call := s.calls[cfg.CallID]
		s.mut.RUnlock()
		if call == nil {
			s.log.Error("call not found", mlog.String("callID", cfg.CallID))
			continue
		}

		session := call.getSession(cfg.SessionID)
		if session == nil {
			s.log.Error("session not found", mlog.String("sessionID", cfg.SessionID))
			continue
		}

		switch msg.Type {
		case ICEMessage:
			select {
			case session.iceInCh <- msg.Data:
			default:
				s.log.Error("failed to send ice message: channel is full", mlog.Any("session", session.cfg))
			}
		case SDPMessage:
			var sdp webrtc.SessionDescription
			if err := json.Unmarshal(msg.Data, &sdp); err != nil {
				s.log.Error("failed to unmarshal sdp", mlog.Err(err), mlog.Any("session", session.cfg))
				continue
			}

			s.log.Debug("signaling", mlog.Int("sdpType", int(sdp.Type)), mlog.Any("session", session.cfg))

			if sdp.Type == webrtc.SDPTypeOffer && session.hasSignalingConflict() {
				s.log.Debug("signaling conflict detected, ignoring offer", mlog.Any("session", session.cfg))
				continue
			}

			switch sdp.Type {
			case webrtc.SDPTypeOffer:
				select {
				case session.sdpOfferInCh <- offerMessage{sdp: sdp, answerCh: s.receiveCh}:
				default:
					s.log.Error("failed to send sdp message: channel is full", mlog.Any("session", session.cfg))
				}
			case webrtc.SDPTypeAnswer:
				select {
				case session.sdpAnswerInCh <- sdp:
				default:
					s.log.Error("failed to send sdp message: channel is full", mlog.Any("session", session.cfg))
				}
			default:
				s.log.Error("unexpected sdp type", mlog.Int("type", int(sdp.Type)), mlog.Any("session", session.cfg))
				continue
			}
		default:
			s.log.Error("received unexpected message type")
		}
	}
}

func isIPAddress(addr string) bool {
	return net.ParseIP(addr) != nil
}

// handleIncomingSDP is the data-channel transport's counterpart to
// msgReader's SDPMessage case: it dispatches an SDP arriving over the DC
// signaling path to the session's offer or answer channel. answerCh is
// where a received offer's answer should be written, normally the
// session's own dcSDPCh.
func (s *Server) handleIncomingSDP(session *session, answerCh chan<- Message, data []byte) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(data, &sdp); err != nil {
		return fmt.Errorf("failed to unmarshal sdp: %w", err)
	}

	if sdp.Type == webrtc.SDPTypeOffer && session.hasSignalingConflict() {
		s.log.Debug("signaling conflict detected, ignoring offer", mlog.Any("session", session.cfg))
		return nil
	}

	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		select {
		case session.sdpOfferInCh <- offerMessage{sdp: sdp, answerCh: answerCh}:
		default:
			return fmt.Errorf("failed to send sdp message: channel is full")
		}
	case webrtc.SDPTypeAnswer:
		select {
		case session.sdpAnswerInCh <- sdp:
		default:
			return fmt.Errorf("failed to send sdp message: channel is full")
		}
	default:
		return fmt.Errorf("unexpected sdp type: %d", sdp.Type)
	}

	return nil
}
