package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReturnPolicy decides what happens to a resource released by an environment.
type ReturnPolicy string

const (
	ReturnDestroy ReturnPolicy = "destroy"
	ReturnRecycle ReturnPolicy = "recycle"
)

// Default batch limits for a single watch tick.
const (
	DefaultMaxCreateBatch = 10
	DefaultMaxDeleteBatch = 10
)

// PoolDefinition describes a warm pool of pre-provisioned resources.
type PoolDefinition struct {
	Code           string            `json:"code"`
	SkuName        string            `json:"sku_name"`
	Location       string            `json:"location"`
	Type           ResourceType      `json:"type"`
	Provider       string            `json:"provider"`
	TargetCount    int               `json:"target_count"`
	Enabled        bool              `json:"enabled"`
	Version        string            `json:"version,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	ReturnPolicy   ReturnPolicy      `json:"return_policy,omitempty"`
	MaxCreateBatch int               `json:"max_create_batch,omitempty"`
	MaxDeleteBatch int               `json:"max_delete_batch,omitempty"`
}

// PoolCode builds the canonical code for a pool: type, sku and location.
func PoolCode(t ResourceType, sku, location string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", t, sku, location))
}

// EffectiveCode returns Code, or the canonical code when Code is empty.
func (d *PoolDefinition) EffectiveCode() string {
	if d.Code != "" {
		return d.Code
	}
	return PoolCode(d.Type, d.SkuName, d.Location)
}

// EffectiveVersion returns Version, or a short hash of the template fields
// so that any change to the definition retires older resources.
func (d *PoolDefinition) EffectiveVersion() string {
	if d.Version != "" {
		return d.Version
	}
	keys := make([]string, 0, len(d.Properties))
	for k := range d.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", d.Type, d.SkuName, d.Location, d.Provider)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, d.Properties[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// CreateBatch returns the per-tick create limit.
func (d *PoolDefinition) CreateBatch() int {
	if d.MaxCreateBatch > 0 {
		return d.MaxCreateBatch
	}
	return DefaultMaxCreateBatch
}

// DeleteBatch returns the per-tick delete limit.
func (d *PoolDefinition) DeleteBatch() int {
	if d.MaxDeleteBatch > 0 {
		return d.MaxDeleteBatch
	}
	return DefaultMaxDeleteBatch
}

// Policy returns the return policy, defaulting to destroy.
func (d *PoolDefinition) Policy() ReturnPolicy {
	if d.ReturnPolicy == "" {
		return ReturnDestroy
	}
	return d.ReturnPolicy
}

// PoolSnapshot is a point-in-time view of one pool's occupancy.
type PoolSnapshot struct {
	PoolCode                    string    `json:"pool_code"`
	Version                     string    `json:"version"`
	TargetCount                 int       `json:"target_count"`
	Enabled                     bool      `json:"enabled"`
	UnassignedCount             int       `json:"unassigned_count"`
	UnassignedVersionCount      int       `json:"unassigned_version_count"`
	UnassignedNotVersionCount   int       `json:"unassigned_not_version_count"`
	ReadyUnassignedCount        int       `json:"ready_unassigned_count"`
	ReadyUnassignedVersionCount int       `json:"ready_unassigned_version_count"`
	AssignedCount               int       `json:"assigned_count"`
	FailedCount                 int       `json:"failed_count"`
	IsAtTargetCount             bool      `json:"is_at_target_count"`
	IsReadyAtTargetCount        bool      `json:"is_ready_at_target_count"`
	Updated                     time.Time `json:"updated"`
}
