package state

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/broker/internal/continuation"
	"github.com/picklr-io/broker/internal/model"
)

// fakeDynamo understands the handful of condition expressions the store and
// locker send.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]dbtypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]dbtypes.AttributeValue)}
}

func (f *fakeDynamo) table(name string) map[string]map[string]dbtypes.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]dbtypes.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func keyOf(item map[string]dbtypes.AttributeValue) string {
	for _, k := range []string{"id", "LockID"} {
		if v, ok := item[k].(*dbtypes.AttributeValueMemberS); ok {
			return v.Value
		}
	}
	return ""
}

func numAttr(item map[string]dbtypes.AttributeValue, name string) int64 {
	v, ok := item[name].(*dbtypes.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}

func strAttr(item map[string]dbtypes.AttributeValue, name string) string {
	v, _ := item[name].(*dbtypes.AttributeValueMemberS)
	if v == nil {
		return ""
	}
	return v.Value
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(*in.TableName)[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.table(*in.TableName)
	key := keyOf(in.Item)
	cur, exists := t[key]
	values := in.ExpressionAttributeValues

	ok := true
	switch aws.ToString(in.ConditionExpression) {
	case "":
	case "attribute_not_exists(id)":
		ok = !exists
	case "#version = :expected":
		ok = exists && numAttr(cur, "version") == numAttr(values, ":expected")
	case "attribute_not_exists(LockID) OR Expires < :now":
		ok = !exists || numAttr(cur, "Expires") < numAttr(values, ":now")
	default:
		// Chain update: step match and not finished.
		status := model.OperationState(strAttr(cur, "status"))
		ok = exists && numAttr(cur, "step") == numAttr(values, ":expected") && !status.IsFinal()
	}
	if !ok {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	t[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.table(*in.TableName)
	key := keyOf(in.Key)
	if aws.ToString(in.ConditionExpression) == "Info = :owner" {
		if strAttr(t[key], "Info") != strAttr(in.ExpressionAttributeValues, ":owner") {
			return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("not owner")}
		}
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []map[string]dbtypes.AttributeValue
	pool := strAttr(in.ExpressionAttributeValues, ":pool")
	for _, item := range f.table(*in.TableName) {
		if pool != "" && strAttr(item, "pool_code") != pool {
			continue
		}
		items = append(items, item)
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func TestDynamoStore_Resources(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoStore(newFakeDynamo(), "resources", "chains")

	r := record("r1", "p1", time.Now())
	require.NoError(t, s.Create(ctx, r))
	assert.ErrorIs(t, s.Create(ctx, record("r1", "p1", time.Now())), ErrAlreadyExists)

	a, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "r1")
	require.NoError(t, err)

	a.IsAssigned = true
	require.NoError(t, Update(ctx, s, a))
	assert.Equal(t, int64(2), a.Version)
	assert.ErrorIs(t, Update(ctx, s, b), ErrConflict)
	assert.ErrorIs(t, s.CompareAndSwap(ctx, "missing", 1, record("missing", "", time.Now())), ErrNotFound)

	require.NoError(t, s.Create(ctx, record("r2", "p2", time.Now())))
	list, err := s.List(ctx, Filter{PoolCode: "p1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsAssigned)

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_Chains(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoStore(newFakeDynamo(), "resources", "chains")

	c := &Chain{ID: "c1", Kind: continuation.KindDeleteResource, Status: model.StateNotStarted}
	require.NoError(t, s.CreateChain(ctx, c))
	assert.ErrorIs(t, s.CreateChain(ctx, c), ErrAlreadyExists)

	done := *c
	done.Step = 1
	done.Status = model.StateSucceeded
	require.NoError(t, s.UpdateChain(ctx, &done, 0))

	again := done
	again.Step = 2
	again.Status = model.StateFailed
	assert.ErrorIs(t, s.UpdateChain(ctx, &again, 1), ErrConflict)

	got, err := s.GetChain(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StateSucceeded, got.Status)
}

func TestDynamoLocker(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamo()
	a := NewDynamoLocker(client, "locks")
	b := NewDynamoLocker(client, "locks")

	ok, err := a.Acquire(ctx, "pool-size", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "pool-size", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx, "pool-size"), "releasing someone else's lease is a no-op")
	require.NoError(t, a.Release(ctx, "pool-size"))

	ok, err = b.Acquire(ctx, "pool-size", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeS3 struct {
	objects map[string][]byte
	last    *s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	f.last = in
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3SnapshotStore(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: make(map[string][]byte)}
	s := NewS3SnapshotStoreWithClient(client, S3Config{Bucket: "snaps", Encrypt: true})

	snap := &model.PoolSnapshot{PoolCode: "compute_standard_d2_westus2", TargetCount: 5, UnassignedCount: 3}
	require.NoError(t, s.PutSnapshot(ctx, snap))
	assert.Equal(t, "broker/pools/compute_standard_d2_westus2.json", aws.ToString(client.last.Key))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, client.last.ServerSideEncryption)

	got, err := s.GetSnapshot(ctx, snap.PoolCode)
	require.NoError(t, err)
	assert.Equal(t, 3, got.UnassignedCount)

	_, err = s.GetSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3SnapshotStoreRequiresBucket(t *testing.T) {
	_, err := NewS3SnapshotStore(context.Background(), S3Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestMemorySnapshots(t *testing.T) {
	m := NewMemorySnapshots()
	ctx := context.Background()
	require.NoError(t, m.PutSnapshot(ctx, &model.PoolSnapshot{PoolCode: "b"}))
	require.NoError(t, m.PutSnapshot(ctx, &model.PoolSnapshot{PoolCode: "a", TargetCount: 1}))
	require.NoError(t, m.PutSnapshot(ctx, &model.PoolSnapshot{PoolCode: "a", TargetCount: 2}))

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].PoolCode)
	assert.Equal(t, 2, all[0].TargetCount)
}
