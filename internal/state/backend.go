package state

import (
	"context"
	"fmt"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// BackendConfig holds configuration for the persistence backend.
type BackendConfig struct {
	Type           string `json:"type"` // "memory", "sqlite", "dynamodb"
	Path           string `json:"path"`
	LockDir        string `json:"lock_dir"`
	Region         string `json:"region"`
	Profile        string `json:"profile"`
	ResourcesTable string `json:"resources_table"`
	ChainsTable    string `json:"chains_table"`
	LocksTable     string `json:"locks_table"`
}

// Backend bundles the stores one deployment uses.
type Backend struct {
	Resources ResourceRepository
	Chains    ChainStore
	Locker    Locker

	close func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewMemoryBackend returns a backend held entirely in process.
func NewMemoryBackend() *Backend {
	store := NewMemoryStore()
	return &Backend{Resources: store, Chains: store, Locker: NewMemoryLocker()}
}

// NewBackend creates a backend from configuration.
func NewBackend(ctx context.Context, cfg *BackendConfig) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case "memory", "":
		return NewMemoryBackend(), nil
	case "sqlite":
		return newSQLiteBackend(cfg)
	case "dynamodb":
		return newDynamoBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

func newSQLiteBackend(cfg *BackendConfig) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite backend requires 'path' configuration")
	}
	store, err := NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = filepath.Join(filepath.Dir(cfg.Path), "locks")
	}
	return &Backend{Resources: store, Chains: store, Locker: NewFileLocker(lockDir), close: store.Close}, nil
}

func newDynamoBackend(ctx context.Context, cfg *BackendConfig) (*Backend, error) {
	if cfg.ResourcesTable == "" || cfg.ChainsTable == "" {
		return nil, fmt.Errorf("dynamodb backend requires 'resources_table' and 'chains_table' configuration")
	}
	locksTable := cfg.LocksTable
	if locksTable == "" {
		locksTable = "broker-locks"
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	store := NewDynamoStore(client, cfg.ResourcesTable, cfg.ChainsTable)
	return &Backend{Resources: store, Chains: store, Locker: NewDynamoLocker(client, locksTable)}, nil
}
