// Package dynamostore keeps the idempotency ledger in a DynamoDB table keyed by
// idempotency_key. Create-if-absent is a conditional PutItem; expires_at is an
// epoch-seconds attribute the table's TTL can reap.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// API is the subset of the DynamoDB client the ledger calls.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// TableAPI is what EnsureTable needs on top of API.
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

const (
	keyAttr = "idempotency_key"
	ttlAttr = "expires_at"

	condAbsent   = "attribute_not_exists(idempotency_key)"
	condInFlight = "attribute_exists(idempotency_key) AND response_status = :inflight"
	condCreated  = "created_at = :created"
	setOutcome   = "SET response_status = :status, response_body = :body"

	maxCheckAttempts = 3
)

type item struct {
	Key            string `dynamodbav:"idempotency_key"`
	RequestHash    string `dynamodbav:"request_hash"`
	ResponseStatus int    `dynamodbav:"response_status"`
	ResponseBody   []byte `dynamodbav:"response_body,omitempty"`
	CreatedAt      int64  `dynamodbav:"created_at"` // unix nanoseconds
	ExpiresAt      int64  `dynamodbav:"expires_at"` // TTL epoch seconds
}

func (it item) toDomain() domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          it.Key,
		RequestHash:  it.RequestHash,
		StatusCode:   it.ResponseStatus,
		ResponseBody: it.ResponseBody,
		CreatedAt:    time.Unix(0, it.CreatedAt).UTC(),
	}
}

type Ledger struct {
	client    API
	table     string
	clock     clock.Clock
	retention time.Duration
}

func NewLedger(client API, table string, clk clock.Clock, retention time.Duration) *Ledger {
	return &Ledger{client: client, table: table, clock: clk, retention: retention}
}

// NewClient builds a DynamoDB client from the default credential chain.
// A non-empty endpoint points the client at a local emulator.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// EnsureTable creates the ledger table with TTL on expires_at. An existing
// table is left as is.
func EnsureTable(ctx context.Context, client TableAPI, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(keyAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(keyAttr), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", table, err)
	}

	_, err = client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(ttlAttr),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", table, err)
	}
	return nil
}

func (l *Ledger) Check(ctx context.Context, key, requestHash string) (domain.IdempotencyCheck, error) {
	for attempt := 0; attempt < maxCheckAttempts; attempt++ {
		now := l.clock.Now()
		fresh, err := attributevalue.MarshalMap(item{
			Key:            key,
			RequestHash:    requestHash,
			ResponseStatus: domain.StatusInFlight,
			CreatedAt:      now.UnixNano(),
			ExpiresAt:      now.Add(l.retention).Unix(),
		})
		if err != nil {
			return domain.IdempotencyCheck{}, fmt.Errorf("marshal idempotency record: %w", err)
		}

		_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(l.table),
			Item:                fresh,
			ConditionExpression: aws.String(condAbsent),
		})
		if err == nil {
			return domain.IdempotencyCheck{State: domain.CheckNew}, nil
		}
		if !isConditionFailed(err) {
			return domain.IdempotencyCheck{}, fmt.Errorf("put idempotency record: %w", err)
		}

		existing, found, err := l.get(ctx, key)
		if err != nil {
			return domain.IdempotencyCheck{}, err
		}
		if !found {
			continue
		}
		rec := existing.toDomain()
		if !rec.Expired(now, l.retention) {
			return rec.Verdict(requestHash), nil
		}

		// TTL deletion lags, so expired rows are removed here before retrying.
		_, err = l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(l.table),
			Key:                 keyOf(key),
			ConditionExpression: aws.String(condCreated),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":created": &types.AttributeValueMemberN{Value: strconv.FormatInt(existing.CreatedAt, 10)},
			},
		})
		if err != nil && !isConditionFailed(err) {
			return domain.IdempotencyCheck{}, fmt.Errorf("delete expired idempotency record: %w", err)
		}
	}
	return domain.IdempotencyCheck{}, fmt.Errorf("check idempotency key %q: gave up after %d attempts", key, maxCheckAttempts)
}

func (l *Ledger) StoreOutcome(ctx context.Context, key string, status int, body []byte) error {
	values := map[string]types.AttributeValue{
		":inflight": &types.AttributeValueMemberN{Value: strconv.Itoa(domain.StatusInFlight)},
		":status":   &types.AttributeValueMemberN{Value: strconv.Itoa(status)},
		":body":     &types.AttributeValueMemberB{Value: body},
	}
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.table),
		Key:                       keyOf(key),
		UpdateExpression:          aws.String(setOutcome),
		ConditionExpression:       aws.String(condInFlight),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.ErrOutcomeAlreadyStored
		}
		return fmt.Errorf("store idempotency outcome: %w", err)
	}
	return nil
}

func (l *Ledger) Abandon(ctx context.Context, key string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.table),
		Key:                 keyOf(key),
		ConditionExpression: aws.String(condInFlight),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inflight": &types.AttributeValueMemberN{Value: strconv.Itoa(domain.StatusInFlight)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("abandon idempotency key: %w", err)
	}
	return nil
}

func (l *Ledger) get(ctx context.Context, key string) (item, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return item{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(out.Item) == 0 {
		return item{}, false, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return item{}, false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return it, true, nil
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{keyAttr: &types.AttributeValueMemberS{Value: key}}
}

func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
