package queue

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/broker/internal/continuation"
)

// Codec turns envelopes into message bodies and back.
type Codec struct {
	key []byte
}

// NewCodec returns a codec that seals bodies with key. An empty key leaves
// bodies as plain JSON.
func NewCodec(key string) *Codec {
	return &Codec{key: normalizeKey(key)}
}

// CodecFromEnv returns a codec keyed by BROKER_MESSAGE_ENCRYPTION_KEY.
func CodecFromEnv() *Codec {
	return &Codec{key: keyFromEnv()}
}

// Encode serializes env.
func (c *Codec) Encode(env *continuation.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if c.key == nil {
		return body, nil
	}
	return seal(body, c.key)
}

// Decode parses a body produced by Encode. Sealed bodies are accepted only
// when the codec has a key; plain bodies are always accepted so a key can be
// introduced without draining the queue.
func (c *Codec) Decode(body []byte) (*continuation.Envelope, error) {
	if IsSealed(body) {
		plain, err := unseal(body, c.key)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	var env continuation.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.ChainID == "" || env.Input == nil {
		return nil, fmt.Errorf("envelope is missing chain id or input")
	}
	return &env, nil
}
