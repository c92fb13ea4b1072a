/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetgate/pkg/logger"
)

type fakeChannel struct {
	sent      []any
	sendErr   error
	closed    bool
	closeCode int
}

func (c *fakeChannel) Send(v any) error {
	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, v)

	return nil
}

func (c *fakeChannel) Close(code int, _ string) error {
	c.closed = true
	c.closeCode = code

	return nil
}

func TestConnRegistryRegisterReplacesPrevious(t *testing.T) {
	t.Parallel()

	r := NewConnRegistry(logger.NewTestLogger())

	first := &fakeChannel{}
	second := &fakeChannel{}

	r.Register("agent-1", first)
	r.Register("agent-1", second)

	assert.True(t, first.closed, "previous channel must be closed on replacement")
	assert.Equal(t, CloseReplaced, first.closeCode)
	assert.True(t, r.IsConnected("agent-1"))
	assert.Equal(t, 1, r.ConnectedCount())
}

func TestConnRegistryUnregisterIgnoresStaleChannel(t *testing.T) {
	t.Parallel()

	r := NewConnRegistry(logger.NewTestLogger())

	stale := &fakeChannel{}
	current := &fakeChannel{}

	r.Register("agent-1", stale)
	r.Register("agent-1", current)

	// The stale connection's deferred cleanup must not evict the
	// newer channel, and the false return keeps it from marking the
	// device offline underneath the live session.
	assert.False(t, r.Unregister("agent-1", stale))
	assert.True(t, r.IsConnected("agent-1"))

	assert.True(t, r.Unregister("agent-1", current))
	assert.False(t, r.IsConnected("agent-1"))
}

func TestConnRegistrySend(t *testing.T) {
	t.Parallel()

	r := NewConnRegistry(logger.NewTestLogger())

	assert.False(t, r.Send("agent-1", "hello"), "send to unknown agent must report fallback")

	ch := &fakeChannel{}
	r.Register("agent-1", ch)

	require.True(t, r.Send("agent-1", "hello"))
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "hello", ch.sent[0])

	ch.sendErr = errors.New("broken pipe")
	assert.False(t, r.Send("agent-1", "again"), "transport failure must report fallback")
}

func TestConnRegistryBroadcastPredicate(t *testing.T) {
	t.Parallel()

	r := NewConnRegistry(logger.NewTestLogger())

	a := &fakeChannel{}
	b := &fakeChannel{}
	c := &fakeChannel{sendErr: errors.New("dead")}

	r.Register("a", a)
	r.Register("b", b)
	r.Register("c", c)

	count := r.Broadcast("ping", func(agentID string) bool { return agentID != "b" })

	assert.Equal(t, 1, count, "only reachable matching agents count")
	assert.Len(t, a.sent, 1)
	assert.Empty(t, b.sent)

	assert.Equal(t, 2, r.Broadcast("all", nil), "nil predicate matches everyone reachable")
}
