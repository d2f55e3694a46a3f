// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

// simulcastLevelHigh is the rid a browser tags its highest-quality encoding
// with. The node does no bandwidth-driven layer switching: it forwards this
// layer whenever the producer offers it, and whatever single layer arrives
// otherwise.
const simulcastLevelHigh = "h"

// shouldAdoptRID decides whether a newly arrived simulcast layer (or a
// non-simulcast track, whose rid is always "") should become the one the
// node forwards for a given trackIn. Once locked onto the high layer it
// never downgrades; the first layer seen is adopted as a placeholder until,
// and unless, the high layer shows up.
func shouldAdoptRID(current, candidate string) bool {
	if current == simulcastLevelHigh {
		return false
	}
	if candidate == simulcastLevelHigh {
		return true
	}
	return current == ""
}
