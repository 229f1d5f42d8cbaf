// Package webhook ingests provider notifications exactly once and applies
// their deltas to the mirror.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jarrod-lowe/jmap-service-sync/internal/mirror"
)

// ErrMalformedEnvelope is returned for notifications that cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed webhook envelope")

// Envelope is the normalised notification accepted by the receiver.
type Envelope struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"accountId"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

type deltaPayload struct {
	Op             mirror.Op    `json:"op"`
	Item           *itemPayload `json:"item,omitempty"`
	ProviderItemID string       `json:"providerItemId,omitempty"`
	AddLabels      []string     `json:"addLabels,omitempty"`
	RemoveLabels   []string     `json:"removeLabels,omitempty"`
}

type itemPayload struct {
	ProviderItemID string    `json:"providerItemId"`
	Kind           string    `json:"kind,omitempty"`
	ThreadID       string    `json:"threadId,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	From           string    `json:"from,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	Labels         []string  `json:"labels,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// ParseEnvelope decodes and validates a notification body, including its
// delta.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrMalformedEnvelope)
	}
	if env.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", ErrMalformedEnvelope)
	}
	if _, err := DecodeDelta(env.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// DecodeDelta turns an envelope's data into a mirror delta.
func DecodeDelta(data json.RawMessage) (mirror.Delta, error) {
	if len(data) == 0 {
		return mirror.Delta{}, fmt.Errorf("%w: data is required", mirror.ErrInvalidDelta)
	}
	var p deltaPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return mirror.Delta{}, fmt.Errorf("%w: %v", mirror.ErrInvalidDelta, err)
	}

	d := mirror.Delta{
		Op:             p.Op,
		ProviderItemID: p.ProviderItemID,
		AddLabels:      p.AddLabels,
		RemoveLabels:   p.RemoveLabels,
	}
	if p.Item != nil {
		id := p.Item.ProviderItemID
		if id == "" {
			id = p.ProviderItemID
		}
		kind := mirror.Kind(p.Item.Kind)
		if kind == "" {
			kind = mirror.KindMessage
		}
		d.Item = &mirror.Item{
			ProviderItemID: id,
			Kind:           kind,
			ThreadID:       p.Item.ThreadID,
			Subject:        p.Item.Subject,
			From:           p.Item.From,
			Snippet:        p.Item.Snippet,
			Labels:         p.Item.Labels,
			ReceivedAt:     p.Item.ReceivedAt.UTC(),
		}
		if d.ProviderItemID == "" {
			d.ProviderItemID = id
		}
	}
	if err := d.Validate(); err != nil {
		return mirror.Delta{}, err
	}
	return d, nil
}
