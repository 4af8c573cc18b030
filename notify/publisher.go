// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// DefaultURL is the public ntfy service.
const DefaultURL = "https://ntfy.sh"

// Priorities accepted by ntfy, from 1 (min) to 5 (urgent).
const (
	PriorityMin     = 1
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityUrgent  = 5
)

// Message is one notification.
type Message struct {
	Title string
	Body  string
	Tags  []string

	// Priority is 1 through 5. Zero leaves the server default.
	Priority int

	// Click is opened when the notification itself is tapped.
	Click string

	Actions []Action
}

// Action is an ntfy action button. Kind is "view" (open URL) or
// "http" (send a request to URL when tapped).
type Action struct {
	Kind   string
	Label  string
	URL    string
	Method string
	Body   string

	// Headers are sent with an http action.
	Headers map[string]string

	// Clear dismisses the notification once the action succeeds.
	Clear bool
}

// ViewAction opens url when tapped.
func ViewAction(label, url string) Action {
	return Action{Kind: "view", Label: label, URL: url}
}

// PostJSONAction POSTs body to url as JSON when tapped.
func PostJSONAction(label, url, body string) Action {
	return Action{
		Kind:    "http",
		Label:   label,
		URL:     url,
		Body:    body,
		Headers: map[string]string{"Content-Type": "application/json"},
	}
}

// String renders the action in ntfy's short header format.
func (a Action) String() string {
	parts := []string{a.Kind, a.Label, a.URL}
	if a.Method != "" {
		parts = append(parts, "method="+a.Method)
	}
	if a.Body != "" {
		parts = append(parts, "body='"+a.Body+"'")
	}
	for _, key := range slices.Sorted(maps.Keys(a.Headers)) {
		parts = append(parts, "headers."+key+"="+a.Headers[key])
	}
	if a.Clear {
		parts = append(parts, "clear=true")
	}
	return strings.Join(parts, ", ")
}

// PublisherConfig holds the parameters for NewPublisher.
type PublisherConfig struct {
	// URL is the ntfy server. Empty means DefaultURL.
	URL string

	// Topic is the ntfy topic every message is posted to.
	Topic string

	// Token, when set, is sent as a bearer token.
	Token string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
}

// Publisher posts messages to one ntfy topic.
type Publisher struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewPublisher returns a Publisher for cfg.Topic.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: topic is required")
	}
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = DefaultURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Publisher{
		endpoint: base + "/" + cfg.Topic,
		token:    cfg.Token,
		client:   client,
	}, nil
}

// Publish sends message and returns an error for transport failures
// and non-2xx replies.
func (p *Publisher) Publish(ctx context.Context, message Message) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(message.Body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	if message.Title != "" {
		request.Header.Set("Title", message.Title)
	}
	if len(message.Tags) > 0 {
		request.Header.Set("Tags", strings.Join(message.Tags, ","))
	}
	if message.Priority > 0 {
		request.Header.Set("Priority", strconv.Itoa(message.Priority))
	}
	if message.Click != "" {
		request.Header.Set("Click", message.Click)
	}
	if len(message.Actions) > 0 {
		rendered := make([]string, len(message.Actions))
		for i, action := range message.Actions {
			rendered[i] = action.String()
		}
		request.Header.Set("Actions", strings.Join(rendered, "; "))
	}
	if p.token != "" {
		request.Header.Set("Authorization", "Bearer "+p.token)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return fmt.Errorf("notify: publishing to %s: %w", p.endpoint, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("notify: ntfy returned HTTP %d: %s", response.StatusCode, netutil.ErrorMessage(response.Body))
	}
	return nil
}
