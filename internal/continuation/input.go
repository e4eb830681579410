// Package continuation defines the data carried through each step of a
// continuation chain: the step input, the step result and the queue envelope.
package continuation

import (
	"errors"
	"fmt"

	"github.com/picklr-io/broker/internal/model"
)

// Kind discriminates which handler continues a chain.
type Kind string

const (
	KindCreateResource   Kind = "create-resource"
	KindDeleteResource   Kind = "delete-resource"
	KindStartEnvironment Kind = "start-environment"
	KindCleanupResource  Kind = "cleanup-resource"
	KindStartArchive     Kind = "start-archive"
)

// Kinds lists every operation kind the broker knows about.
func Kinds() []Kind {
	return []Kind{KindCreateResource, KindDeleteResource, KindStartEnvironment, KindCleanupResource, KindStartArchive}
}

// CreatePayload carries what is needed to provision a new resource.
type CreatePayload struct {
	SkuName     string             `json:"sku_name"`
	Type        model.ResourceType `json:"type"`
	Location    string             `json:"location"`
	PoolCode    string             `json:"pool_code,omitempty"`
	PoolVersion string             `json:"pool_version,omitempty"`
	Provider    string             `json:"provider"`
	Properties  map[string]string  `json:"properties,omitempty"`
	IsAssigned  bool               `json:"is_assigned,omitempty"`
}

// DeletePayload carries delete-specific options.
type DeletePayload struct {
	// RecordOnly skips the provider call and removes only the record.
	RecordOnly bool `json:"record_only,omitempty"`
}

// StartPayload carries start-environment options.
type StartPayload struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// CleanupPayload carries cleanup options.
type CleanupPayload struct {
	// ReturnToPool puts the resource back into the unassigned pool once clean.
	ReturnToPool bool `json:"return_to_pool"`
}

// ArchivePayload names the storage resource whose contents are archived into
// the chain's resource.
type ArchivePayload struct {
	SourceResourceID string `json:"source_resource_id"`
}

// Input is the immutable input of one step. Token is opaque to the engine;
// handlers own its encoding.
type Input struct {
	Kind          Kind   `json:"kind"`
	ResourceID    string `json:"resource_id"`
	EnvironmentID string `json:"environment_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Token         []byte `json:"token,omitempty"`

	Create  *CreatePayload  `json:"create,omitempty"`
	Delete  *DeletePayload  `json:"delete,omitempty"`
	Start   *StartPayload   `json:"start,omitempty"`
	Cleanup *CleanupPayload `json:"cleanup,omitempty"`
	Archive *ArchivePayload `json:"archive,omitempty"`
}

// Validate checks that exactly the payload matching Kind is present.
func (in *Input) Validate() error {
	if in == nil {
		return errors.New("input is nil")
	}
	if in.ResourceID == "" {
		return errors.New("input requires a resource id")
	}

	set := 0
	for _, ok := range []bool{in.Create != nil, in.Delete != nil, in.Start != nil, in.Cleanup != nil, in.Archive != nil} {
		if ok {
			set++
		}
	}

	var matches bool
	switch in.Kind {
	case KindCreateResource:
		matches = in.Create != nil
		if matches && (in.Create.SkuName == "" || in.Create.Location == "") {
			return fmt.Errorf("%s input requires sku name and location", in.Kind)
		}
	case KindDeleteResource:
		matches = in.Delete != nil
	case KindStartEnvironment:
		matches = in.Start != nil
		if matches && in.EnvironmentID == "" {
			return fmt.Errorf("%s input requires an environment id", in.Kind)
		}
	case KindCleanupResource:
		matches = in.Cleanup != nil
	case KindStartArchive:
		matches = in.Archive != nil
		if matches && (in.Archive.SourceResourceID == "" || in.Archive.SourceResourceID == in.ResourceID) {
			return fmt.Errorf("%s input requires a source resource other than its own", in.Kind)
		}
	default:
		return fmt.Errorf("unknown operation kind: %q", in.Kind)
	}
	if !matches || set != 1 {
		return fmt.Errorf("%s input must carry exactly its own payload", in.Kind)
	}
	return nil
}

// BuildNextInput returns a copy of the input carrying token.
func (in *Input) BuildNextInput(token []byte) *Input {
	next := in.clone()
	next.Token = append([]byte(nil), token...)
	return next
}

func (in *Input) clone() *Input {
	c := *in
	if in.Token != nil {
		c.Token = append([]byte(nil), in.Token...)
	}
	if in.Create != nil {
		cp := *in.Create
		cp.Properties = copyMap(in.Create.Properties)
		c.Create = &cp
	}
	if in.Delete != nil {
		d := *in.Delete
		c.Delete = &d
	}
	if in.Start != nil {
		s := *in.Start
		s.Properties = copyMap(in.Start.Properties)
		c.Start = &s
	}
	if in.Cleanup != nil {
		cl := *in.Cleanup
		c.Cleanup = &cl
	}
	if in.Archive != nil {
		a := *in.Archive
		c.Archive = &a
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
