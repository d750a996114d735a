package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/franzego/notifyrelay/internal/models"
	"github.com/google/uuid"
)

// BuildEnvelope serializes n and attaches fresh delivery metadata. Every call
// generates a new correlation id, so retries of the same notification never
// share one.
func BuildEnvelope(n models.Notification, replyTo string) (models.Envelope, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return models.Envelope{
		Body:          body,
		ContentType:   "application/json",
		Priority:      n.PriorityLevel(),
		CorrelationID: uuid.New().String(),
		ReplyTo:       replyTo,
		Persistent:    true,
	}, nil
}
