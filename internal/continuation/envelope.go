package continuation

import (
	"time"

	"github.com/google/uuid"

	"github.com/picklr-io/broker/internal/model"
)

// Envelope is the unit placed on the durable queue.
type Envelope struct {
	ChainID          string               `json:"chain_id"`
	InstanceID       string               `json:"instance_id"`
	Kind             Kind                 `json:"kind"`
	Created          time.Time            `json:"created"`
	StepCount        int                  `json:"step_count"`
	Status           model.OperationState `json:"status"`
	NotBefore        time.Time            `json:"not_before,omitempty"`
	Input            *Input               `json:"input"`
	LoggerProperties map[string]string    `json:"logger_properties,omitempty"`
}

// NewEnvelope builds the first envelope of a chain.
func NewEnvelope(chainID string, in *Input, now time.Time) *Envelope {
	return &Envelope{
		ChainID:    chainID,
		InstanceID: uuid.NewString(),
		Kind:       in.Kind,
		Created:    now,
		Status:     model.StateNotStarted,
		Input:      in,
		LoggerProperties: map[string]string{
			"resource_id": in.ResourceID,
		},
	}
}

// Successor builds the envelope for the step after this one.
func (e *Envelope) Successor(status model.OperationState, next *Input, retryAfter time.Duration, now time.Time) *Envelope {
	props := make(map[string]string, len(e.LoggerProperties))
	for k, v := range e.LoggerProperties {
		props[k] = v
	}
	s := &Envelope{
		ChainID:          e.ChainID,
		InstanceID:       uuid.NewString(),
		Kind:             e.Kind,
		Created:          e.Created,
		StepCount:        e.StepCount + 1,
		Status:           status,
		Input:            next,
		LoggerProperties: props,
	}
	if retryAfter > 0 {
		s.NotBefore = now.Add(retryAfter)
	}
	return s
}

// Retry builds a copy of this step to run again after retryAfter, keeping
// the step count and status.
func (e *Envelope) Retry(retryAfter time.Duration, now time.Time) *Envelope {
	r := e.Successor(e.Status, e.Input, retryAfter, now)
	r.StepCount = e.StepCount
	return r
}
