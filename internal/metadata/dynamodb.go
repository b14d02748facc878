package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/filerelay/filerelay/internal/config"
)

const (
	dynamoTimeFormat = "2006-01-02T15:04:05.000Z"
	dynamoFileSK     = "#FILE"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoDBStore.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore keeps one item per file in a single table keyed by pk/sk.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDBStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBStoreWithClient wraps an existing client. Used by tests.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBStore) Close() error {
	return nil
}

func pkFile(name string) string {
	return "FILE#" + name
}

func (s *DynamoDBStore) key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pkFile(name)},
		"sk": &types.AttributeValueMemberS{Value: dynamoFileSK},
	}
}

func (s *DynamoDBStore) Insert(ctx context.Context, rec *FileRecord) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"pk":                  &types.AttributeValueMemberS{Value: pkFile(rec.Name)},
			"sk":                  &types.AttributeValueMemberS{Value: dynamoFileSK},
			"type":                &types.AttributeValueMemberS{Value: "file"},
			"name":                &types.AttributeValueMemberS{Value: rec.Name},
			"uploaded_at":         &types.AttributeValueMemberS{Value: rec.UploadedAt.UTC().Format(dynamoTimeFormat)},
			"ttl_hours":           &types.AttributeValueMemberN{Value: strconv.Itoa(rec.TTLHours)},
			"password":            &types.AttributeValueMemberS{Value: rec.Password},
			"remaining_downloads": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.RemainingDownloads)},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.Name)
		}
		return fmt.Errorf("inserting file record %q: %w", rec.Name, err)
	}
	return nil
}

func (s *DynamoDBStore) Get(ctx context.Context, name string) (*FileRecord, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting file record %q: %w", name, err)
	}
	if resp.Item == nil {
		return nil, nil
	}
	return itemToRecord(resp.Item)
}

func (s *DynamoDBStore) UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(name),
		UpdateExpression:    aws.String("SET remaining_downloads = :r"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberN{Value: strconv.Itoa(remaining)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return fmt.Errorf("updating remaining downloads %q: %w", name, err)
	}
	return nil
}

func (s *DynamoDBStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(name),
	})
	if err != nil {
		return fmt.Errorf("deleting file record %q: %w", name, err)
	}
	return nil
}

func (s *DynamoDBStore) ListAll(ctx context.Context) ([]FileRecord, error) {
	var recs []FileRecord

	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(s.tableName),
			FilterExpression: aws.String("begins_with(pk, :prefix) AND sk = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: "FILE#"},
				":sk":     &types.AttributeValueMemberS{Value: dynamoFileSK},
			},
			ConsistentRead: aws.Bool(true),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing file records: %w", err)
		}
		for _, item := range resp.Items {
			if getString(item, "type") != "file" {
				continue
			}
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, err
			}
			recs = append(recs, *rec)
		}

		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	sortRecords(recs)
	return recs, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	return strings.Contains(err.Error(), "ConditionalCheckFailedException")
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

// getInt returns 0 for a missing attribute and an error for one that is
// present but not a number.
func getInt(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	nv, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s is not a number", key)
	}
	n, err := strconv.Atoi(nv.Value)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", key, err)
	}
	return n, nil
}

func itemToRecord(item map[string]types.AttributeValue) (*FileRecord, error) {
	name := getString(item, "name")
	raw := getString(item, "uploaded_at")
	uploadedAt, err := time.Parse(dynamoTimeFormat, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding file record %q: uploaded_at %q: %w", name, raw, err)
	}
	ttl, err := getInt(item, "ttl_hours")
	if err != nil {
		return nil, fmt.Errorf("decoding file record %q: %w", name, err)
	}
	remaining, err := getInt(item, "remaining_downloads")
	if err != nil {
		return nil, fmt.Errorf("decoding file record %q: %w", name, err)
	}
	return &FileRecord{
		Name:               name,
		UploadedAt:         uploadedAt,
		TTLHours:           ttl,
		Password:           getString(item, "password"),
		RemainingDownloads: remaining,
	}, nil
}
