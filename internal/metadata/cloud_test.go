package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

func TestEncodeKeyIsIDSafe(t *testing.T) {
	for _, name := range []string{"a?b#c.txt", "weird name.pdf", "ünïcode.bin"} {
		id := itemIDFile(name)
		if strings.ContainsAny(id, "/\\?#") {
			t.Errorf("itemIDFile(%q) = %q contains a reserved character", name, id)
		}
		if docIDFile(name) == docIDFile(name+"x") {
			t.Errorf("docIDFile collides for %q", name)
		}
	}
}

func TestFirestoreMapRoundTrip(t *testing.T) {
	rec := testRecord("roundtrip.txt")
	m := recordToMap(rec)
	if m["type"] != "file" {
		t.Errorf("type = %v, want file", m["type"])
	}
	// Firestore hands integers back as int64.
	m["ttl_hours"] = int64(rec.TTLHours)
	m["remaining_downloads"] = int64(rec.RemainingDownloads)

	got, err := mapToRecord(m)
	if err != nil {
		t.Fatalf("mapToRecord: %v", err)
	}
	if *got != *rec {
		t.Errorf("mapToRecord(recordToMap(rec)) = %+v, want %+v", got, rec)
	}
}

func TestCosmosItemRoundTrip(t *testing.T) {
	rec := testRecord("cosmos.txt")
	data, err := json.Marshal(recordToItem(rec))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var item cosmosItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if item.ID != itemIDFile("cosmos.txt") {
		t.Errorf("ID = %q, want %q", item.ID, itemIDFile("cosmos.txt"))
	}
	got, err := item.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !got.UploadedAt.Equal(rec.UploadedAt) || got.Name != rec.Name || got.RemainingDownloads != rec.RemainingDownloads {
		t.Errorf("record() = %+v, want %+v", got, rec)
	}
}

func TestIsCosmosStatus(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	if !isCosmosStatus(fmt.Errorf("wrapped: %w", notFound), http.StatusNotFound) {
		t.Error("wrapped ResponseError 404 not detected")
	}
	if isCosmosStatus(notFound, http.StatusConflict) {
		t.Error("404 reported as conflict")
	}
	if !isCosmosStatus(errors.New("Conflict (409): entity exists"), http.StatusConflict) {
		t.Error("plain conflict message not detected")
	}
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	for _, raw := range []string{"", "yesterday", "2026-13-45T99:00:00.000Z"} {
		m := recordToMap(testRecord("bad.txt"))
		m["uploaded_at"] = raw
		if rec, err := mapToRecord(m); err == nil {
			t.Errorf("mapToRecord(uploaded_at=%q) = %+v, want error", raw, rec)
		}

		item := recordToItem(testRecord("bad.txt"))
		item.UploadedAt = raw
		if rec, err := item.record(); err == nil {
			t.Errorf("cosmos record(uploaded_at=%q) = %+v, want error", raw, rec)
		}
	}
}

func TestExpiresAt(t *testing.T) {
	rec := &FileRecord{UploadedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), TTLHours: 5}
	at, ok := rec.ExpiresAt()
	if !ok {
		t.Fatal("ExpiresAt reported no TTL")
	}
	if want := rec.UploadedAt.Add(5 * time.Hour); !at.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", at, want)
	}
	rec.TTLHours = 0
	if _, ok := rec.ExpiresAt(); ok {
		t.Error("ExpiresAt with TTLHours=0 reported a deadline")
	}
}
