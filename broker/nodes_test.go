// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package broker

import (
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *NodeRegistry {
	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Shutdown() })
	return NewNodeRegistry(log)
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := testRegistry(t)
	r.Upsert("node-1", "us-east")
	r.Upsert("node-1", "us-east")
	require.Equal(t, 1, r.Len())
}

func TestEvictStale(t *testing.T) {
	r := testRegistry(t)
	fixed := time.Now()
	r.now = func() time.Time { return fixed }

	r.Upsert("node-1", "us-east")

	r.now = func() time.Time { return fixed.Add(11 * time.Second) }
	evicted := r.EvictStale()
	require.Equal(t, []string{"node-1"}, evicted)
	require.Equal(t, 0, r.Len())
}

func TestSelectPrefersRegionThenLoadThenID(t *testing.T) {
	r := testRegistry(t)
	r.Upsert("node-b", "us-east")
	r.Upsert("node-a", "us-east")
	r.Upsert("node-c", "eu")

	r.IncCallCount("node-b")

	n, ok := r.Select("us-east")
	require.True(t, ok)
	require.Equal(t, "node-a", n.ID)

	n, ok = r.Select("asia")
	require.True(t, ok)
	require.Contains(t, []string{"node-a", "node-b", "node-c"}, n.ID)
}

func TestSelectNoNodes(t *testing.T) {
	r := testRegistry(t)
	_, ok := r.Select("us-east")
	require.False(t, ok)
}
