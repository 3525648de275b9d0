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

// Package ipfs is a thin client for the IPFS HTTP API, used to pin and
// move volume content.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/fission-codes/fission/lib/defaults"
)

// Config configures the client.
type Config struct {
	// Addr is the base URL of the IPFS HTTP API.
	Addr string
	// RetryAttempts overrides the transient-error retry budget.
	RetryAttempts int
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		c.Addr = defaults.IPFSAddr
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	return nil
}

// Client talks to one IPFS node.
type Client struct {
	resty *resty.Client
}

// NewClient returns a client with bounded retry on transient failures.
func NewClient(config Config) (*Client, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := resty.New().
		SetBaseURL(config.Addr).
		SetTimeout(defaults.RequestTimeout).
		SetRetryCount(config.RetryAttempts).
		SetRetryWaitTime(defaults.RetryBaseDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Client{resty: client}, nil
}

// Pin asks the node to pin the content behind cid recursively.
func (c *Client) Pin(ctx context.Context, cid string) error {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetQueryParam("arg", cid).
		Post("/api/v0/pin/add")
	if err != nil {
		return trace.ConnectionProblem(err, "pinning %v", cid)
	}
	if resp.IsError() {
		return trace.BadParameter("pin of %v failed: %v", cid, resp.String())
	}
	return nil
}

// PutBlock stores raw bytes as a block and returns its CID.
func (c *Client) PutBlock(ctx context.Context, data []byte) (string, error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetFileReader("data", "block", bytes.NewReader(data)).
		Post("/api/v0/block/put")
	if err != nil {
		return "", trace.ConnectionProblem(err, "storing block")
	}
	if resp.IsError() {
		return "", trace.BadParameter("block put failed: %v", resp.String())
	}
	var out struct {
		Key string `json:"Key"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", trace.Wrap(err)
	}
	return out.Key, nil
}

// GetBlock fetches the raw bytes of a block.
func (c *Client) GetBlock(ctx context.Context, cid string) ([]byte, error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetQueryParam("arg", cid).
		Post("/api/v0/block/get")
	if err != nil {
		return nil, trace.ConnectionProblem(err, "fetching block %v", cid)
	}
	if resp.StatusCode() == 404 {
		return nil, trace.NotFound("block %v not found", cid)
	}
	if resp.IsError() {
		return nil, trace.BadParameter("block get of %v failed: %v", cid, resp.String())
	}
	return resp.Body(), nil
}
