// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishOrder(t *testing.T) {
	h := NewHub("test")

	var got []string
	h.Subscribe(ObserverFunc(func(e Event) { got = append(got, "a:"+string(e.Kind)) }))
	h.Subscribe(ObserverFunc(func(e Event) { got = append(got, "b:"+string(e.Kind)) }))

	h.Emit(InitStart, nil)

	assert.Equal(t, []string{"a:init.start", "b:init.start"}, got)
}

func TestHub_StampsSourceAndTime(t *testing.T) {
	h := NewHub("config")
	rec := &Recorder{}
	h.Subscribe(rec)

	h.Emit(ConfigSaved, map[string]any{"path": "/tmp/x"})

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "config", events[0].Source)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, "/tmp/x", events[0].Attr("path"))
	assert.Nil(t, events[0].Attr("missing"))
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub("test")
	rec := &Recorder{}
	unsub := h.Subscribe(rec)

	h.Emit(ChatStart, nil)
	unsub()
	unsub() // idempotent
	h.Emit(ChatSuccess, nil)

	assert.Equal(t, []Kind{ChatStart}, rec.Kinds())
	assert.Equal(t, 0, h.Len())
}

func TestHub_ForwardKeepsSource(t *testing.T) {
	child := NewHub("session")
	parent := NewHub("service")
	rec := &Recorder{}
	parent.Subscribe(rec)
	child.Subscribe(parent.Forward())

	child.Emit(SessionCreated, nil)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "session", events[0].Source)
	assert.Equal(t, SessionCreated, events[0].Kind)
}

func TestHub_ObserverMaySubscribeDuringPublish(t *testing.T) {
	h := NewHub("test")
	rec := &Recorder{}
	h.Subscribe(ObserverFunc(func(e Event) {
		if e.Kind == InitStart {
			h.Subscribe(rec)
		}
	}))

	h.Emit(InitStart, nil)
	h.Emit(InitDone, nil)

	assert.Equal(t, []Kind{InitDone}, rec.Kinds())
}

func TestHub_NilPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(Event{Kind: InitStart})
}

func TestHub_Concurrent(t *testing.T) {
	h := NewHub("test")
	rec := &Recorder{}
	h.Subscribe(rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Emit(ChatStart, nil)
		}()
		go func() {
			defer wg.Done()
			unsub := h.Subscribe(ObserverFunc(func(Event) {}))
			unsub()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rec.Count(ChatStart))
}
