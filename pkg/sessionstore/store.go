// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package sessionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sage-x-project/relay/internal/metrics"
	"github.com/sage-x-project/relay/pkg/kv"
	"github.com/sage-x-project/relay/pkg/relayerr"
)

const masterListKey = "sessions:master-list"

func sessionKey(id string) string { return "session:" + id }

// Store persists Sessions in kv, maintaining its own master-list index
// since kv.Store has no list primitive. Master-list mutations are
// serialized by a single mutex.
type Store struct {
	kv kv.Store
	mu sync.Mutex
}

// New constructs a Store over kv and runs garbage collection once up
// front, dropping any session the master-list references that has since
// expired or whose record is missing or corrupt.
func New(ctx context.Context, store kv.Store) (*Store, error) {
	s := &Store{kv: store}
	if _, err := s.GC(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Create persists sess and adds its id to the master-list. It is an error
// to create a session whose id already exists.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	if sess.Expired(time.Now()) {
		return relayerr.New(relayerr.SessionSaveFailed, "session %s expires in the past", sess.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.kv.Get(ctx, sessionKey(sess.ID)); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "check existing session %s", sess.ID)
	} else if ok {
		return relayerr.New(relayerr.SessionInvalidState, "session %s already exists", sess.ID)
	}

	raw, err := marshalSession(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, sessionKey(sess.ID), raw); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "persist session %s", sess.ID)
	}

	ids, err := s.loadMasterList(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, sess.ID)
	return s.saveMasterList(ctx, ids)
}

// Get returns the session for id. A session whose ExpiresAt has passed is
// never returned: it is deleted instead and Get reports not-found. The
// returned session, if any, always satisfies ExpiresAt > now at the
// moment of return.
func (s *Store) Get(ctx context.Context, id string) (*Session, bool, error) {
	raw, ok, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, false, relayerr.Wrap(relayerr.SessionSaveFailed, err, "load session %s", id)
	}
	if !ok {
		return nil, false, nil
	}

	sess, err := unmarshalSession(raw)
	if err != nil {
		// A record that no longer parses is unrecoverable; treat it the
		// same as an expired one.
		_ = s.Delete(ctx, id)
		return nil, false, nil
	}

	if sess.Expired(time.Now()) {
		_ = s.Delete(ctx, id)
		return nil, false, nil
	}
	return sess, true, nil
}

// Update overwrites the persisted record for an existing session, e.g.
// after key rotation. The session must already exist.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	if sess.Expired(time.Now()) {
		return relayerr.New(relayerr.SessionSaveFailed, "session %s expires in the past", sess.ID)
	}
	if _, ok, err := s.kv.Get(ctx, sessionKey(sess.ID)); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "check session %s", sess.ID)
	} else if !ok {
		return relayerr.New(relayerr.SessionNotFound, "session %s not found", sess.ID)
	}
	raw, err := marshalSession(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, sessionKey(sess.ID), raw); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "persist session %s", sess.ID)
	}
	return nil
}

// Delete removes the session record and its master-list entry. Deleting a
// session that no longer exists is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "delete session %s", id)
	}

	ids, err := s.loadMasterList(ctx)
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return s.saveMasterList(ctx, filtered)
}

// List returns the master-list's current session ids. It does not filter
// expired entries; callers wanting only live sessions should call Get per
// id, or rely on GC having already run.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.loadMasterList(ctx)
}

// GC scans the master-list and deletes any session that is missing,
// corrupt, or expired, returning the number removed. After GC completes,
// no key session:<id> exists for an expired session, and the master-list
// contains no id pointing at a deleted or expired session.
func (s *Store) GC(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues("gc").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.loadMasterList(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	live := ids[:0]
	now := time.Now()
	for _, id := range ids {
		raw, ok, err := s.kv.Get(ctx, sessionKey(id))
		if err != nil {
			return removed, relayerr.Wrap(relayerr.SessionSaveFailed, err, "gc load session %s", id)
		}
		if !ok {
			removed++
			continue
		}
		sess, err := unmarshalSession(raw)
		if err != nil || sess.Expired(now) {
			_ = s.kv.Delete(ctx, sessionKey(id))
			removed++
			continue
		}
		live = append(live, id)
	}

	if err := s.saveMasterList(ctx, live); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Store) loadMasterList(ctx context.Context) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, masterListKey)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "load master list")
	}
	if !ok || raw == "" {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, relayerr.Wrap(relayerr.SessionSaveFailed, err, "parse master list")
	}
	return ids, nil
}

func (s *Store) saveMasterList(ctx context.Context, ids []string) error {
	b, err := json.Marshal(ids)
	if err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "marshal master list")
	}
	if err := s.kv.Set(ctx, masterListKey, string(b)); err != nil {
		return relayerr.Wrap(relayerr.SessionSaveFailed, err, "persist master list")
	}
	return nil
}
