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
	"fmt"

	"github.com/gravitational/trace"
	"github.com/mailgun/mailgun-go/v4"

	"github.com/fission-codes/fission"
	logutils "github.com/fission-codes/fission/lib/utils/log"
)

var log = logutils.NewPackageLogger(fission.ComponentEmail)

// MailgunConfig configures production code delivery.
type MailgunConfig struct {
	// Domain is the mailgun sending domain.
	Domain string
	// APIKey authenticates against the mailgun API.
	APIKey string
	// From is the sender address on outgoing mail.
	From string
}

// CheckAndSetDefaults validates the config.
func (c *MailgunConfig) CheckAndSetDefaults() error {
	if c.Domain == "" {
		return trace.BadParameter("mailgun domain is missing")
	}
	if c.APIKey == "" {
		return trace.BadParameter("mailgun API key is missing")
	}
	if c.From == "" {
		c.From = "no-reply@" + c.Domain
	}
	return nil
}

// MailgunSender delivers verification codes through mailgun.
type MailgunSender struct {
	mg   mailgun.Mailgun
	from string
}

// NewMailgunSender returns a sender backed by the mailgun API.
func NewMailgunSender(config MailgunConfig) (*MailgunSender, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MailgunSender{
		mg:   mailgun.NewMailgun(config.Domain, config.APIKey),
		from: config.From,
	}, nil
}

// SendCode emails the code to the recipient.
func (s *MailgunSender) SendCode(ctx context.Context, email, code string) error {
	message := s.mg.NewMessage(
		s.from,
		"Your verification code",
		fmt.Sprintf("Your verification code is %v. It expires in 24 hours.", code),
		email,
	)
	_, id, err := s.mg.Send(ctx, message)
	if err != nil {
		return trace.Wrap(err, "sending verification code")
	}
	log.DebugContext(ctx, "sent verification code", "message_id", id)
	return nil
}
