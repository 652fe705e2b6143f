package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
)

var ErrMalformedEvent = errors.New("malformed object created event")

// ObjectCreatedDetail is the detail payload of an EventBridge
// "Object Created" event emitted by S3.
type ObjectCreatedDetail struct {
	Version string `json:"version"`
	Bucket  struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key       string `json:"key"`
		Size      int64  `json:"size"`
		ETag      string `json:"etag"`
		Sequencer string `json:"sequencer"`
	} `json:"object"`
	RequestID string `json:"request-id"`
	Reason    string `json:"reason"`
}

// ParseEvent extracts the object created detail; detail.object.key must be
// present.
func ParseEvent(event events.CloudWatchEvent) (ObjectCreatedDetail, error) {
	var detail ObjectCreatedDetail
	if len(event.Detail) == 0 {
		return detail, fmt.Errorf("%w: missing detail", ErrMalformedEvent)
	}
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		return detail, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if detail.Object.Key == "" {
		return detail, fmt.Errorf("%w: missing detail.object.key", ErrMalformedEvent)
	}
	return detail, nil
}
