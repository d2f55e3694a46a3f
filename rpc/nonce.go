// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rpc

import (
	"sync"

	"github.com/pulse-sfu/harmony/service/auth"
)

// noncePool is one connection's pool of unspent request-id nonces (spec
// §6). Each call consumes exactly one; GetId mints a replacement. It is
// grounded on the same random-string primitive service/auth already uses
// for secret generation, repurposed here for per-connection request ids
// rather than shared secrets.
type noncePool struct {
	mut    sync.Mutex
	unused map[string]struct{}
}

// nonceLength matches the entropy of the teacher's auth.NewRandomToken,
// long enough that guessing a live nonce is infeasible within a
// connection's lifetime.
const nonceLength = 32

func newNoncePool() (*noncePool, []string, error) {
	p := &noncePool{unused: make(map[string]struct{}, helloNonceCount)}
	ids := make([]string, 0, helloNonceCount)
	for i := 0; i < helloNonceCount; i++ {
		id, err := p.issueLocked()
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	return p, ids, nil
}

func (p *noncePool) issueLocked() (string, error) {
	id, err := auth.NewRandomString(nonceLength)
	if err != nil {
		return "", err
	}
	p.unused[id] = struct{}{}
	return id, nil
}

// issue mints and registers one fresh nonce (the GetId method).
func (p *noncePool) issue() (string, error) {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.issueLocked()
}

// consume spends id if it is a live, unspent nonce. A duplicate or unknown
// id (including one already spent) is refused, per spec §6.
func (p *noncePool) consume(id string) bool {
	p.mut.Lock()
	defer p.mut.Unlock()
	if _, ok := p.unused[id]; !ok {
		return false
	}
	delete(p.unused, id)
	return true
}
