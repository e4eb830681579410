package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/picklr-io/broker/internal/model"
)

// SnapshotSink receives pool snapshots written by the pool-state watch task.
type SnapshotSink interface {
	PutSnapshot(ctx context.Context, snap *model.PoolSnapshot) error
}

// MemorySnapshots keeps the latest snapshot per pool.
type MemorySnapshots struct {
	mu    sync.RWMutex
	snaps map[string]model.PoolSnapshot
}

// NewMemorySnapshots creates an empty snapshot store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snaps: make(map[string]model.PoolSnapshot)}
}

func (m *MemorySnapshots) PutSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.PoolCode] = *snap
	return nil
}

// All returns the latest snapshots ordered by pool code.
func (m *MemorySnapshots) All() []model.PoolSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.PoolSnapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolCode < out[j].PoolCode })
	return out
}

// S3Config configures the S3 snapshot archive.
type S3Config struct {
	Bucket  string `json:"bucket"`
	Prefix  string `json:"prefix"`
	Region  string `json:"region"`
	Profile string `json:"profile"`
	Encrypt bool   `json:"encrypt"`
}

// S3API is the subset of the S3 client the snapshot store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3SnapshotStore writes one JSON object per pool under a prefix.
type S3SnapshotStore struct {
	client  S3API
	bucket  string
	prefix  string
	encrypt bool
}

// NewS3SnapshotStore loads AWS configuration and returns a store for cfg.
func NewS3SnapshotStore(ctx context.Context, cfg S3Config) (*S3SnapshotStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot store requires 'bucket' configuration")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewS3SnapshotStoreWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3SnapshotStoreWithClient wraps an existing client.
func NewS3SnapshotStoreWithClient(client S3API, cfg S3Config) *S3SnapshotStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "broker/pools"
	}
	return &S3SnapshotStore{client: client, bucket: cfg.Bucket, prefix: prefix, encrypt: cfg.Encrypt}
}

func (s *S3SnapshotStore) PutSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", snap.PoolCode, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(snap.PoolCode)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if s.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write snapshot to s3://%s/%s: %w", s.bucket, s.key(snap.PoolCode), err)
	}
	return nil
}

// GetSnapshot reads the archived snapshot for a pool. It returns ErrNotFound
// when the pool has never been snapshotted.
func (s *S3SnapshotStore) GetSnapshot(ctx context.Context, poolCode string) (*model.PoolSnapshot, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(poolCode)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot from s3://%s/%s: %w", s.bucket, s.key(poolCode), err)
	}
	defer result.Body.Close()

	var snap model.PoolSnapshot
	if err := json.NewDecoder(result.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", poolCode, err)
	}
	return &snap, nil
}

func (s *S3SnapshotStore) key(poolCode string) string {
	return path.Join(s.prefix, poolCode+".json")
}
