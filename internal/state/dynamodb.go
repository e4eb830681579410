package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/picklr-io/broker/internal/model"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore implements ResourceRepository and ChainStore on DynamoDB.
// Optimistic concurrency uses condition expressions on a numeric version
// attribute; the record itself is stored as a JSON document.
type DynamoStore struct {
	client         DynamoAPI
	resourcesTable string
	chainsTable    string
}

// NewDynamoStore wraps client. Both tables use "id" (S) as partition key.
func NewDynamoStore(client DynamoAPI, resourcesTable, chainsTable string) *DynamoStore {
	return &DynamoStore{client: client, resourcesTable: resourcesTable, chainsTable: chainsTable}
}

func (s *DynamoStore) Create(ctx context.Context, r *model.ResourceRecord) error {
	r.Version = 1
	item, err := resourceItem(r)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.resourcesTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *DynamoStore) CreateOrUpdate(ctx context.Context, r *model.ResourceRecord) error {
	cur, err := s.Get(ctx, r.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.Create(ctx, r)
	case err != nil:
		return err
	}
	return s.CompareAndSwap(ctx, r.ID, cur.Version, r)
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*model.ResourceRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.resourcesTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return recordFromItem(out.Item)
}

func (s *DynamoStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, r *model.ResourceRecord) error {
	next := r.Clone()
	next.ID = id
	next.Version = expectedVersion + 1
	item, err := resourceItem(next)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.resourcesTable),
		Item:                item,
		ConditionExpression: aws.String("#version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":expected": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			if _, gerr := s.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to update resource %s: %w", id, err)
	}
	r.Version = next.Version
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.resourcesTable),
		Key:       idKey(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete resource %s: %w", id, err)
	}
	return nil
}

func (s *DynamoStore) List(ctx context.Context, f Filter) ([]*model.ResourceRecord, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(s.resourcesTable),
		ConsistentRead: aws.Bool(true),
	}
	if f.PoolCode != "" {
		input.FilterExpression = aws.String("pool_code = :pool")
		input.ExpressionAttributeValues = map[string]dbtypes.AttributeValue{
			":pool": &dbtypes.AttributeValueMemberS{Value: f.PoolCode},
		}
	}

	var out []*model.ResourceRecord
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resources: %w", err)
		}
		for _, item := range page.Items {
			r, err := recordFromItem(item)
			if err != nil {
				return nil, err
			}
			if f.Matches(r) {
				out = append(out, r)
			}
		}
	}
	sortByCreated(out)
	return limit(out, f.Limit), nil
}

func (s *DynamoStore) CreateChain(ctx context.Context, c *Chain) error {
	item, err := chainItem(c)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.chainsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create chain %s: %w", c.ID, err)
	}
	return nil
}

func (s *DynamoStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.chainsTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read chain %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	doc, ok := out.Item["doc"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("chain %s has no document", id)
	}
	var c Chain
	if err := json.Unmarshal([]byte(doc.Value), &c); err != nil {
		return nil, fmt.Errorf("failed to decode chain %s: %w", id, err)
	}
	return &c, nil
}

func (s *DynamoStore) UpdateChain(ctx context.Context, c *Chain, expectedStep int) error {
	item, err := chainItem(c)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.chainsTable),
		Item:                item,
		ConditionExpression: aws.String("#step = :expected AND NOT (#status IN (:succeeded, :failed, :cancelled))"),
		ExpressionAttributeNames: map[string]string{
			"#step":   "step",
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":expected":  &dbtypes.AttributeValueMemberN{Value: strconv.Itoa(expectedStep)},
			":succeeded": &dbtypes.AttributeValueMemberS{Value: string(model.StateSucceeded)},
			":failed":    &dbtypes.AttributeValueMemberS{Value: string(model.StateFailed)},
			":cancelled": &dbtypes.AttributeValueMemberS{Value: string(model.StateCancelled)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			if _, gerr := s.GetChain(ctx, c.ID); errors.Is(gerr, ErrNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to update chain %s: %w", c.ID, err)
	}
	return nil
}

func idKey(id string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"id": &dbtypes.AttributeValueMemberS{Value: id},
	}
}

func resourceItem(r *model.ResourceRecord) (map[string]dbtypes.AttributeValue, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", r.ID, err)
	}
	return map[string]dbtypes.AttributeValue{
		"id":          &dbtypes.AttributeValueMemberS{Value: r.ID},
		"pool_code":   &dbtypes.AttributeValueMemberS{Value: r.PoolCode},
		"version":     &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(r.Version, 10)},
		"is_assigned": &dbtypes.AttributeValueMemberBOOL{Value: r.IsAssigned},
		"doc":         &dbtypes.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func recordFromItem(item map[string]dbtypes.AttributeValue) (*model.ResourceRecord, error) {
	doc, ok := item["doc"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("resource item has no document")
	}
	r, err := decodeRecord(doc.Value)
	if err != nil {
		return nil, err
	}
	if v, ok := item["version"].(*dbtypes.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			r.Version = n
		}
	}
	return r, nil
}

func chainItem(c *Chain) (map[string]dbtypes.AttributeValue, error) {
	doc, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chain %s: %w", c.ID, err)
	}
	return map[string]dbtypes.AttributeValue{
		"id":     &dbtypes.AttributeValueMemberS{Value: c.ID},
		"step":   &dbtypes.AttributeValueMemberN{Value: strconv.Itoa(c.Step)},
		"status": &dbtypes.AttributeValueMemberS{Value: string(c.Status)},
		"doc":    &dbtypes.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func isConditionFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
