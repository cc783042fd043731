package messaging

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrMissingProfileID is returned when a profile.created payload has no
// usable profile id.
var ErrMissingProfileID = errors.New("messaging: profile event without profile_id")

// ProfileCreated is published on profile.created when a profile is stored.
type ProfileCreated struct {
	ProfileID int64 `json:"profile_id"`
}

// BatchCompleted is published on recommend.batch.completed after every
// recomputation run.
type BatchCompleted struct {
	RunID      uuid.UUID `json:"run_id"`
	Kind       string    `json:"kind"`                 // "batch" or "incremental"
	ProfileID  int64     `json:"profile_id,omitempty"` // set for incremental runs
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	DurationMS int64     `json:"duration_ms"`
}

// DecodeProfileCreated parses a profile.created payload.
func DecodeProfileCreated(data []byte) (ProfileCreated, error) {
	var evt ProfileCreated
	if err := json.Unmarshal(data, &evt); err != nil {
		return ProfileCreated{}, fmt.Errorf("messaging: decode profile event: %w", err)
	}
	if evt.ProfileID <= 0 {
		return ProfileCreated{}, ErrMissingProfileID
	}
	return evt, nil
}

// PublishProfileCreated announces a newly stored profile.
func (c *NATSClient) PublishProfileCreated(profileID int64) error {
	data, err := json.Marshal(ProfileCreated{ProfileID: profileID})
	if err != nil {
		return fmt.Errorf("messaging: marshal profile event: %w", err)
	}
	return c.Publish(SubjectProfileCreated, data)
}

// SubscribeProfileCreated subscribes to profile.created within the
// configured queue group and passes the raw payload to the handler.
func (c *NATSClient) SubscribeProfileCreated(handler func(data []byte)) error {
	return c.Subscribe(SubjectProfileCreated, c.queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeProfileCreated removes the profile.created subscription.
func (c *NATSClient) UnsubscribeProfileCreated() error {
	return c.unsubscribe(SubjectProfileCreated)
}

// PublishBatchCompleted publishes a run summary.
func (c *NATSClient) PublishBatchCompleted(evt BatchCompleted) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("messaging: marshal batch event: %w", err)
	}
	if err := c.Publish(SubjectBatchCompleted, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", SubjectBatchCompleted, err)
	}
	return nil
}
