// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"weak"

	"github.com/pion/webrtc/v4"
)

// trackOutState is the negotiation state of an outbound track as seen from
// the consuming session's perspective.
type trackOutState int

const (
	trackOutToOpen trackOutState = iota + 1
	trackOutNegotiating
	trackOutOpen
)

func (s trackOutState) String() string {
	switch s {
	case trackOutToOpen:
		return "to_open"
	case trackOutNegotiating:
		return "negotiating"
	case trackOutOpen:
		return "open"
	default:
		return "unknown"
	}
}

// trackIn is a media source owned by the PeerSession that received it from
// the client. active is set when the first RTP packet of the chosen layer
// is read (handleOnTrack); no data-channel confirmation is involved.
type trackIn struct {
	originSessionID string
	mid             string
	kind            webrtc.RTPCodecType
	remote          *webrtc.TrackRemote
	receiver        *webrtc.RTPReceiver

	active    bool
	chosenRID string
}

func newTrackIn(originSessionID string, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *trackIn {
	return &trackIn{
		originSessionID: originSessionID,
		mid:             remote.Mid(),
		kind:            remote.Kind(),
		remote:          remote,
		receiver:        receiver,
	}
}

func getTrackKind(kind webrtc.RTPCodecType) string {
	if kind == webrtc.RTPCodecTypeAudio {
		return "audio"
	}
	return "video"
}

// trackOut is one (consumer, producer-track) pairing. It holds only a weak
// reference to the trackIn it forwards from: when the producing session
// exits, trackIn's strong owner (the Call) drops it and this pointer stops
// resolving without any explicit cascade.
type trackOut struct {
	ref   weak.Pointer[trackIn]
	local *webrtc.TrackLocalStaticRTP
	mid   string
	state trackOutState
}

func newTrackOut(in *trackIn, local *webrtc.TrackLocalStaticRTP) *trackOut {
	return &trackOut{
		ref:   weak.Make(in),
		local: local,
		state: trackOutToOpen,
	}
}

// resolve upgrades the weak reference, reporting false once the producer
// track has gone away.
func (t *trackOut) resolve() (*trackIn, bool) {
	in := t.ref.Value()
	return in, in != nil
}

type trackAction int

const (
	trackActionAdd trackAction = iota + 1
	trackActionRemove
)

// trackActionContext is what notifyTrackAvailable enqueues on a session's
// tracksCh, driving the negotiation pass in handleTracks. Only
// trackActionAdd is ever enqueued; handleTracks skips any other action.
type trackActionContext struct {
	action   trackAction
	trackOut *trackOut
}
