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

// Package relay implements the websocket fan-out used to hand
// verification codes to browsers in development environments: every
// message published on a topic reaches every other subscriber of that
// topic.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fission-codes/fission"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentRelay)

// subscriberBuffer bounds the per-subscriber queue; slow consumers are
// dropped rather than blocking the publisher.
const subscriberBuffer = 16

// Hub is the process-wide topic → subscriber-set mapping. The outer
// lock only guards the map of topics; each topic carries its own lock
// held just long enough to push a message.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber receives messages published on one topic.
type Subscriber struct {
	hub   *Hub
	topic string
	ch    chan []byte
	once  sync.Once
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) topicFor(name string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		h.topics[name] = t
	}
	return t
}

// Subscribe registers a new subscriber on the topic.
func (h *Hub) Subscribe(name string) *Subscriber {
	sub := &Subscriber{hub: h, topic: name, ch: make(chan []byte, subscriberBuffer)}
	t := h.topicFor(name)
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Publish delivers payload to every subscriber of the topic except the
// sender. Subscribers with full queues miss the message.
func (h *Hub) Publish(name string, payload []byte, sender *Subscriber) {
	t := h.topicFor(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if sub == sender {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

// Messages is the subscriber's receive channel; it closes on
// Unsubscribe.
func (s *Subscriber) Messages() <-chan []byte {
	return s.ch
}

// Unsubscribe removes the subscriber and closes its channel. Safe to
// call more than once.
func (s *Subscriber) Unsubscribe() {
	s.once.Do(func() {
		t := s.hub.topicFor(s.topic)
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
		close(s.ch)
	})
}

var upgrader = websocket.Upgrader{
	// The relay is an open development channel; origins are not
	// restricted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and bridges the socket onto the topic:
// frames read from the socket are published, published frames are
// written back.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, topicName string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	sub := h.Subscribe(topicName)

	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		defer cancel()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.Publish(topicName, payload, sub)
		}
	}()

	defer func() {
		sub.Unsubscribe()
		conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
