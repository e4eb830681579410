package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Locker hands out named, expiring leases so that only one broker instance
// runs a given watch task at a time.
type Locker interface {
	// Acquire takes the lease for ttl. It returns false if someone else
	// holds an unexpired lease.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release gives the lease back if this locker holds it.
	Release(ctx context.Context, name string) error
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.leases[name]; ok && exp.After(now) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, name)
	return nil
}

// FileLocker keeps leases as lock files in a directory, for several broker
// processes sharing one host. A lock file older than its ttl is stale.
type FileLocker struct {
	dir   string
	owner string
}

// NewFileLocker creates a FileLocker rooted at dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, owner: fmt.Sprintf("pid=%d", os.Getpid())}
}

func (l *FileLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lockPath := l.path(name)

	// A lock whose holder stopped renewing it is considered stale.
	if content, err := os.ReadFile(lockPath); err == nil {
		if !lockExpired(string(content)) {
			return false, nil
		}
		os.Remove(lockPath)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("%s\nexpires=%d\n", l.owner, time.Now().Add(ttl).Unix())
	if _, err := f.WriteString(content); err != nil {
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	return true, nil
}

func (l *FileLocker) Release(ctx context.Context, name string) error {
	lockPath := l.path(name)
	content, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read lock file: %w", err)
	}
	if !strings.HasPrefix(string(content), l.owner+"\n") {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *FileLocker) path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

func lockExpired(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "expires="); ok {
			exp, err := strconv.ParseInt(v, 10, 64)
			return err != nil || time.Now().Unix() >= exp
		}
	}
	return true
}

// DynamoLocker keeps leases in a DynamoDB table keyed by "LockID".
type DynamoLocker struct {
	client DynamoAPI
	table  string
	owner  string
}

// NewDynamoLocker creates a DynamoLocker on table.
func NewDynamoLocker(client DynamoAPI, table string) *DynamoLocker {
	return &DynamoLocker{client: client, table: table, owner: fmt.Sprintf("broker-%d-%s", os.Getpid(), uuid.NewString())}
}

func (l *DynamoLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: name},
			"Info":    &dbtypes.AttributeValueMemberS{Value: l.owner},
			"Created": &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"Expires": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR Expires < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return true, nil
}

func (l *DynamoLocker) Release(ctx context.Context, name string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("Info = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
