// Package provider defines the contract between the broker and the systems
// that actually create cloud resources. Every operation is
// continuation-style: a call either finishes or returns a token to resume
// from on the next call.
package provider

import (
	"context"
	"time"

	"github.com/picklr-io/broker/internal/model"
)

// Tags every provider puts on the resources it creates so that orphans can
// be matched back to records.
const (
	TagResourceID = "broker-resource-id"
	TagManagedBy  = "managed-by"
	ManagedBy     = "broker"
)

// Request asks a provider to run, or resume, one operation.
type Request struct {
	ResourceID string
	Type       model.ResourceType
	SkuName    string
	Location   string
	Properties map[string]string
	// ProviderID is the cloud-side id once known.
	ProviderID string
	// Token is the provider's own resume state from the previous call, nil
	// on the first call.
	Token []byte
}

// Response reports the outcome of one call. A nil Token with a non-final
// Status means "call again with the same request".
type Response struct {
	Status      model.OperationState
	RetryAfter  time.Duration
	Token       []byte
	ProviderID  string
	ErrorReason string
}

// Resource is a broker-tagged resource as seen by the provider.
type Resource struct {
	ResourceID string
	ProviderID string
	Type       model.ResourceType
	Created    time.Time
}

// ResourceProvider creates and manages resources of one cloud or runtime.
type ResourceProvider interface {
	Name() string
	Create(ctx context.Context, req *Request) (*Response, error)
	Delete(ctx context.Context, req *Request) (*Response, error)
	Start(ctx context.Context, req *Request) (*Response, error)
	Cleanup(ctx context.Context, req *Request) (*Response, error)
	// List returns the resources carrying the broker tags.
	List(ctx context.Context) ([]Resource, error)
}

// Archiver is implemented by providers that can copy a storage resource
// into another one for long-term keeping. req describes the archive target
// and source the resource being copied.
type Archiver interface {
	Archive(ctx context.Context, req *Request, source *Request) (*Response, error)
}

// InProgress asks to be called again after retryAfter with token.
func InProgress(token []byte, retryAfter time.Duration) *Response {
	return &Response{Status: model.StateInProgress, Token: token, RetryAfter: retryAfter}
}

// Succeeded reports a finished operation.
func Succeeded(providerID string) *Response {
	return &Response{Status: model.StateSucceeded, ProviderID: providerID}
}

// Failed reports a terminal failure.
func Failed(reason string) *Response {
	return &Response{Status: model.StateFailed, ErrorReason: reason}
}

// Tags returns the tag set for a resource.
func Tags(resourceID string) map[string]string {
	return map[string]string{
		TagResourceID: resourceID,
		TagManagedBy:  ManagedBy,
	}
}
