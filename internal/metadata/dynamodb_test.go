package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDB is an in-memory DynamoDBAPI that honours the two condition
// expressions DynamoDBStore issues.
type mockDynamoDB struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	scans    int
}

func newMockDynamoDB() *mockDynamoDB {
	return &mockDynamoDB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(key map[string]types.AttributeValue) string {
	return getString(key, "pk") + "|" + getString(key, "sk")
}

func (m *mockDynamoDB) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := itemKey(params.Item)
	if aws.ToString(params.ConditionExpression) == "attribute_not_exists(pk)" {
		if _, ok := m.items[k]; ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	m.items[k] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: m.items[itemKey(params.Key)]}, nil
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemKey(params.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	item["remaining_downloads"] = params.ExpressionAttributeValues[":r"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, itemKey(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

// Scan returns pageSize items per call (all when zero) so pagination is
// exercised.
func (m *mockDynamoDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++

	var all []map[string]types.AttributeValue
	for _, item := range m.items {
		all = append(all, item)
	}
	// Stable order by key for paging.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && itemKey(all[j]) < itemKey(all[j-1]); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		last := itemKey(params.ExclusiveStartKey)
		for start < len(all) && itemKey(all[start]) <= last {
			start++
		}
	}
	end := len(all)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}
	out := &dynamodb.ScanOutput{Items: all[start:end]}
	if end < len(all) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"pk": all[end-1]["pk"],
			"sk": all[end-1]["sk"],
		}
	}
	return out, nil
}

func TestDynamoDBStoreCRUD(t *testing.T) {
	store := NewDynamoDBStoreWithClient(newMockDynamoDB(), "files")
	ctx := context.Background()

	rec := testRecord("notes.md")
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, rec); !errors.Is(err, ErrRecordExists) {
		t.Fatalf("duplicate Insert error = %v, want ErrRecordExists", err)
	}

	got, err := store.Get(ctx, "notes.md")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if !got.UploadedAt.Equal(rec.UploadedAt) {
		t.Errorf("UploadedAt = %v, want %v", got.UploadedAt, rec.UploadedAt)
	}
	if got.TTLHours != 24 || got.RemainingDownloads != 3 || got.Password != "hunter2" {
		t.Errorf("Get = %+v, want fields from %+v", got, rec)
	}

	if err := store.UpdateRemainingDownloads(ctx, "notes.md", 1); err != nil {
		t.Fatalf("UpdateRemainingDownloads: %v", err)
	}
	got, _ = store.Get(ctx, "notes.md")
	if got.RemainingDownloads != 1 {
		t.Errorf("RemainingDownloads = %d, want 1", got.RemainingDownloads)
	}

	if err := store.UpdateRemainingDownloads(ctx, "ghost", 1); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("UpdateRemainingDownloads(ghost) error = %v, want ErrRecordNotFound", err)
	}

	if err := store.Delete(ctx, "notes.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := store.Get(ctx, "notes.md"); got != nil {
		t.Errorf("Get after Delete = %+v, want nil", got)
	}
}

func TestDynamoDBStoreListAllPaginates(t *testing.T) {
	mock := newMockDynamoDB()
	mock.pageSize = 2
	store := NewDynamoDBStoreWithClient(mock, "files")
	ctx := context.Background()

	names := []string{"e.txt", "b.txt", "d.txt", "a.txt", "c.txt"}
	for _, n := range names {
		r := testRecord(n)
		r.UploadedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("Insert(%q): %v", n, err)
		}
	}

	recs, err := store.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(recs) != len(names) {
		t.Fatalf("ListAll returned %d records, want %d", len(recs), len(names))
	}
	for i, want := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		if recs[i].Name != want {
			t.Errorf("recs[%d].Name = %q, want %q", i, recs[i].Name, want)
		}
	}
	if mock.scans < 3 {
		t.Errorf("Scan called %d times, want at least 3 pages", mock.scans)
	}
}

func TestDynamoDBStoreBadTimestamp(t *testing.T) {
	mock := newMockDynamoDB()
	store := NewDynamoDBStoreWithClient(mock, "files")
	ctx := context.Background()

	if err := store.Insert(ctx, testRecord("good.txt")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Insert(ctx, testRecord("bad.txt")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mock.mu.Lock()
	for _, item := range mock.items {
		if getString(item, "name") == "bad.txt" {
			item["uploaded_at"] = &types.AttributeValueMemberS{Value: "not a time"}
		}
	}
	mock.mu.Unlock()

	if rec, err := store.Get(ctx, "bad.txt"); err == nil {
		t.Errorf("Get(bad.txt) = %+v, want error", rec)
	}
	if recs, err := store.ListAll(ctx); err == nil {
		t.Errorf("ListAll = %+v, want error", recs)
	}
	if rec, err := store.Get(ctx, "good.txt"); err != nil || rec == nil {
		t.Errorf("Get(good.txt) = %+v, %v", rec, err)
	}
}

func TestDynamoDBStoreBadNumber(t *testing.T) {
	mock := newMockDynamoDB()
	store := NewDynamoDBStoreWithClient(mock, "files")
	ctx := context.Background()

	if err := store.Insert(ctx, testRecord("n.txt")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mock.mu.Lock()
	for _, item := range mock.items {
		item["ttl_hours"] = &types.AttributeValueMemberN{Value: "lots"}
	}
	mock.mu.Unlock()

	if rec, err := store.Get(ctx, "n.txt"); err == nil {
		t.Errorf("Get = %+v, want error", rec)
	}
}
