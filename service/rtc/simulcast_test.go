// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldAdoptRID(t *testing.T) {
	t.Run("first layer seen is adopted", func(t *testing.T) {
		require.True(t, shouldAdoptRID("", "l"))
		require.True(t, shouldAdoptRID("", ""))
	})

	t.Run("high layer is always adopted over a placeholder", func(t *testing.T) {
		require.True(t, shouldAdoptRID("l", "h"))
	})

	t.Run("high layer never gets replaced", func(t *testing.T) {
		require.False(t, shouldAdoptRID("h", "l"))
		require.False(t, shouldAdoptRID("h", "m"))
		require.False(t, shouldAdoptRID("h", "h"))
	})

	t.Run("non-high layer does not replace an existing non-high layer", func(t *testing.T) {
		require.False(t, shouldAdoptRID("l", "m"))
	})
}
