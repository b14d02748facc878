package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/filerelay/filerelay/internal/config"
)

const (
	cosmosTimeFormat = "2006-01-02T15:04:05.000Z"
	cosmosPartition  = "file"
)

// CosmosStore keeps every file record in one logical partition of a
// Cosmos DB container.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos master key is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	containerClient, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{
		client:    containerClient,
		database:  cfg.Database,
		container: cfg.Container,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

type cosmosItem struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Name               string `json:"name"`
	UploadedAt         string `json:"uploaded_at"`
	TTLHours           int    `json:"ttl_hours"`
	Password           string `json:"password"`
	RemainingDownloads int    `json:"remaining_downloads"`
}

// Cosmos item IDs may not contain '/', '\\', '?' or '#', so names are encoded.
func itemIDFile(name string) string {
	return "file_" + encodeKey(name)
}

func recordToItem(rec *FileRecord) *cosmosItem {
	return &cosmosItem{
		ID:                 itemIDFile(rec.Name),
		Type:               cosmosPartition,
		Name:               rec.Name,
		UploadedAt:         rec.UploadedAt.UTC().Format(cosmosTimeFormat),
		TTLHours:           rec.TTLHours,
		Password:           rec.Password,
		RemainingDownloads: rec.RemainingDownloads,
	}
}

func (item *cosmosItem) record() (*FileRecord, error) {
	uploadedAt, err := time.Parse(cosmosTimeFormat, item.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("decoding file record %q: uploaded_at %q: %w", item.Name, item.UploadedAt, err)
	}
	return &FileRecord{
		Name:               item.Name,
		UploadedAt:         uploadedAt,
		TTLHours:           item.TTLHours,
		Password:           item.Password,
		RemainingDownloads: item.RemainingDownloads,
	}, nil
}

func (s *CosmosStore) pk() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(cosmosPartition)
}

func (s *CosmosStore) Insert(ctx context.Context, rec *FileRecord) error {
	data, err := json.Marshal(recordToItem(rec))
	if err != nil {
		return fmt.Errorf("marshaling file record: %w", err)
	}
	_, err = s.client.CreateItem(ctx, s.pk(), data, nil)
	if err != nil {
		if isCosmosStatus(err, http.StatusConflict) {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.Name)
		}
		return fmt.Errorf("inserting file record %q: %w", rec.Name, err)
	}
	return nil
}

func (s *CosmosStore) Get(ctx context.Context, name string) (*FileRecord, error) {
	resp, err := s.client.ReadItem(ctx, s.pk(), itemIDFile(name), nil)
	if err != nil {
		if isCosmosStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file record %q: %w", name, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling file record %q: %w", name, err)
	}
	return item.record()
}

// UpdateRemainingDownloads does a read-modify-replace guarded by the item's
// ETag. Callers already serialize per name, so a precondition failure means
// an out-of-process writer and is reported as an error.
func (s *CosmosStore) UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error {
	id := itemIDFile(name)
	resp, err := s.client.ReadItem(ctx, s.pk(), id, nil)
	if err != nil {
		if isCosmosStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return fmt.Errorf("reading file record %q: %w", name, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return fmt.Errorf("unmarshaling file record %q: %w", name, err)
	}
	item.RemainingDownloads = remaining

	data, err := json.Marshal(&item)
	if err != nil {
		return fmt.Errorf("marshaling file record: %w", err)
	}
	etag := resp.ETag
	_, err = s.client.ReplaceItem(ctx, s.pk(), id, data, &azcosmos.ItemOptions{IfMatchEtag: &etag})
	if err != nil {
		if isCosmosStatus(err, http.StatusNotFound) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return fmt.Errorf("updating remaining downloads %q: %w", name, err)
	}
	return nil
}

func (s *CosmosStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, s.pk(), itemIDFile(name), nil)
	if err != nil && !isCosmosStatus(err, http.StatusNotFound) {
		return fmt.Errorf("deleting file record %q: %w", name, err)
	}
	return nil
}

func (s *CosmosStore) ListAll(ctx context.Context) ([]FileRecord, error) {
	pager := s.client.NewQueryItemsPager(
		"SELECT * FROM c WHERE c.type = @type",
		s.pk(),
		&azcosmos.QueryOptions{
			QueryParameters: []azcosmos.QueryParameter{{Name: "@type", Value: cosmosPartition}},
		},
	)

	var recs []FileRecord
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing file records: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshaling file record: %w", err)
			}
			rec, err := item.record()
			if err != nil {
				return nil, err
			}
			recs = append(recs, *rec)
		}
	}
	sortRecords(recs)
	return recs, nil
}

func isCosmosStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == code
	}
	switch code {
	case http.StatusNotFound:
		return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
	case http.StatusConflict:
		return strings.Contains(err.Error(), "Conflict") || strings.Contains(err.Error(), "409")
	}
	return false
}
