package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	mu sync.Mutex
	// blobs stores all blobs keyed by "container/blobName".
	blobs map[string][]byte
	// uploadCalls tracks the number of upload operations.
	uploadCalls int
	// deleteCalls tracks the number of delete operations.
	deleteCalls int
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs: make(map[string][]byte),
	}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func azureResponseError(code bloberror.Code, status int) error {
	return &azcore.ResponseError{
		ErrorCode:  string(code),
		StatusCode: status,
		RawResponse: &http.Response{
			StatusCode: status,
			Request:    &http.Request{Method: http.MethodPut, URL: &url.URL{Scheme: "https", Host: "mock.blob.core.windows.net"}},
		},
	}
}

func (m *mockAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, r io.Reader, ifNotExists bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadCalls++
	key := m.blobKey(containerName, blobName)
	if ifNotExists {
		if _, ok := m.blobs[key]; ok {
			return azureResponseError(bloberror.BlobAlreadyExists, http.StatusConflict)
		}
	}
	m.blobs[key] = data
	return nil
}

func (m *mockAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, 0, fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	key := m.blobKey(containerName, blobName)
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	return nil
}

func (m *mockAzureClient) BlobExists(ctx context.Context, containerName, blobName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[m.blobKey(containerName, blobName)]
	return ok, nil
}

func (m *mockAzureClient) ListBlobsHierarchy(ctx context.Context, containerName, prefix string) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := containerName + "/" + prefix
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, containerName+"/"))
		}
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	var names, prefixes []string
	for _, k := range keys {
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			p := prefix + rest[:i+1]
			if !seen[p] {
				seen[p] = true
				prefixes = append(prefixes, p)
			}
			continue
		}
		names = append(names, k)
	}
	return names, prefixes, nil
}

func newTestAzureBackend(t *testing.T) (*AzureBackend, *mockAzureClient) {
	t.Helper()
	mock := newMockAzureClient()
	return NewAzureBackendWithClient("test-container", "relay/", mock), mock
}

func TestAzureBackendContract(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		b, _ := newTestAzureBackend(t)
		return b
	})
}

func TestAzureKeyMapping(t *testing.T) {
	backend, mock := newTestAzureBackend(t)
	if _, err := backend.Put(context.Background(), "notes.txt", strings.NewReader("hi")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := mock.blobs["test-container/relay/notes.txt"]; !ok {
		t.Errorf("expected upstream blob relay/notes.txt, have %v", mock.blobs)
	}
}

func TestAzureKeyMappingNoPrefix(t *testing.T) {
	mock := newMockAzureClient()
	backend := NewAzureBackendWithClient("c", "", mock)
	backend.Put(context.Background(), "notes.txt", strings.NewReader("hi"))
	if _, ok := mock.blobs["c/notes.txt"]; !ok {
		t.Errorf("expected upstream blob notes.txt, have %v", mock.blobs)
	}
}

func TestAzurePutReportsSize(t *testing.T) {
	backend, _ := newTestAzureBackend(t)
	n, err := backend.Put(context.Background(), "sized.bin", strings.NewReader("12345"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Put size = %d, want 5", n)
	}
}

func TestAzureIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("BlobNotFound: the specified blob does not exist"), true},
		{azureResponseError(bloberror.ContainerNotFound, http.StatusNotFound), true},
		{azureResponseError(bloberror.AuthorizationFailure, http.StatusForbidden), false},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestAzureIsAzureConflict(t *testing.T) {
	if !isAzureConflict(azureResponseError(bloberror.BlobAlreadyExists, http.StatusConflict)) {
		t.Error("BlobAlreadyExists not detected")
	}
	if !isAzureConflict(fmt.Errorf("wrapped: %w", azureResponseError(bloberror.ConditionNotMet, http.StatusPreconditionFailed))) {
		t.Error("ConditionNotMet not detected")
	}
	if isAzureConflict(errors.New("boom")) {
		t.Error("plain error reported as conflict")
	}
}
