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

package email

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/fission-codes/fission/lib/relay"
)

// RelaySender pushes verification codes onto the websocket relay
// instead of sending mail, using the recipient address as the topic.
// Development environments only.
type RelaySender struct {
	hub *relay.Hub
}

// NewRelaySender returns a sender publishing into the given hub.
func NewRelaySender(hub *relay.Hub) *RelaySender {
	return &RelaySender{hub: hub}
}

// SendCode publishes {"email":…, "code":…} on the recipient's topic.
func (s *RelaySender) SendCode(ctx context.Context, email, code string) error {
	payload, err := json.Marshal(map[string]string{
		"email": email,
		"code":  code,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	s.hub.Publish(email, payload, nil)
	log.DebugContext(ctx, "published verification code to relay", "topic", email)
	return nil
}
