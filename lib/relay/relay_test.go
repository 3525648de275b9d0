/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscriber) []byte {
	t.Helper()
	select {
	case payload := <-sub.Messages():
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relay message")
		return nil
	}
}

func TestPublishFanOut(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("a@b.c")
	b := hub.Subscribe("a@b.c")
	other := hub.Subscribe("x@y.z")

	hub.Publish("a@b.c", []byte(`{"code":"123456"}`), nil)

	require.Equal(t, []byte(`{"code":"123456"}`), receive(t, a))
	require.Equal(t, []byte(`{"code":"123456"}`), receive(t, b))
	select {
	case payload := <-other.Messages():
		t.Fatalf("unrelated topic received %q", payload)
	default:
	}
}

func TestPublishSkipsSender(t *testing.T) {
	hub := NewHub()
	sender := hub.Subscribe("topic")
	receiver := hub.Subscribe("topic")

	hub.Publish("topic", []byte("hello"), sender)

	require.Equal(t, []byte("hello"), receive(t, receiver))
	select {
	case payload := <-sender.Messages():
		t.Fatalf("sender received its own message %q", payload)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("topic")
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	_, ok := <-sub.Messages()
	require.False(t, ok)

	// Publishing to a topic with no live subscribers is a no-op.
	hub.Publish("topic", []byte("after"), nil)
}
