package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/filerelay/filerelay/internal/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreTimeFormat = "2006-01-02T15:04:05.000Z"
)

// FirestoreStore keeps one document per file in a single collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// encodeKey makes a file name safe for use as a document or item ID.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func docIDFile(name string) string {
	return "file_" + encodeKey(name)
}

func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "filerelay-metadata"
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
	}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *FirestoreStore) Insert(ctx context.Context, rec *FileRecord) error {
	docRef := s.collectionRef().Doc(docIDFile(rec.Name))
	_, err := docRef.Create(ctx, recordToMap(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("%w: %s", ErrRecordExists, rec.Name)
		}
		return fmt.Errorf("inserting file record %q: %w", rec.Name, err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, name string) (*FileRecord, error) {
	doc, err := s.collectionRef().Doc(docIDFile(name)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting file record %q: %w", name, err)
	}
	return mapToRecord(doc.Data())
}

func (s *FirestoreStore) UpdateRemainingDownloads(ctx context.Context, name string, remaining int) error {
	_, err := s.collectionRef().Doc(docIDFile(name)).Update(ctx, []firestore.Update{
		{Path: "remaining_downloads", Value: remaining},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return fmt.Errorf("updating remaining downloads %q: %w", name, err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, name string) error {
	_, err := s.collectionRef().Doc(docIDFile(name)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("deleting file record %q: %w", name, err)
	}
	return nil
}

func (s *FirestoreStore) ListAll(ctx context.Context) ([]FileRecord, error) {
	docs, err := s.collectionRef().Where("type", "==", "file").Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	recs := make([]FileRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := mapToRecord(doc.Data())
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	sortRecords(recs)
	return recs, nil
}

func recordToMap(rec *FileRecord) map[string]interface{} {
	return map[string]interface{}{
		"type":                "file",
		"name":                rec.Name,
		"uploaded_at":         rec.UploadedAt.UTC().Format(firestoreTimeFormat),
		"ttl_hours":           rec.TTLHours,
		"password":            rec.Password,
		"remaining_downloads": rec.RemainingDownloads,
	}
}

func mapToRecord(m map[string]interface{}) (*FileRecord, error) {
	name := getStringFromMap(m, "name")
	raw := getStringFromMap(m, "uploaded_at")
	uploadedAt, err := time.Parse(firestoreTimeFormat, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding file record %q: uploaded_at %q: %w", name, raw, err)
	}
	return &FileRecord{
		Name:               name,
		UploadedAt:         uploadedAt,
		TTLHours:           getIntFromMap(m, "ttl_hours"),
		Password:           getStringFromMap(m, "password"),
		RemainingDownloads: getIntFromMap(m, "remaining_downloads"),
	}, nil
}

func getStringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getIntFromMap accepts the numeric types Firestore and JSON decoding
// hand back.
func getIntFromMap(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
