package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.pilab.hu/restodb/domain"
)

func TestDocumentID_Aliases(t *testing.T) {
	assert.Equal(t, "a1", domain.Document{"id": "a1", "_id": "legacy"}.DocumentID())
	assert.Equal(t, "legacy", domain.Document{"_id": "legacy"}.DocumentID())
	assert.Equal(t, "", domain.Document{"name": "x"}.DocumentID())

	doc := domain.Document{"id": "a1", "_id": "legacy"}
	assert.True(t, doc.HasID("a1"))
	assert.True(t, doc.HasID("legacy"))
	assert.False(t, doc.HasID("other"))
	assert.False(t, doc.HasID(""))
}

func TestDocumentClone_IsDeep(t *testing.T) {
	orig := domain.Document{
		"items": []any{map[string]any{"name": "pizza"}},
		"meta":  map[string]any{"table": 4.0},
	}
	cp := orig.Clone()
	cp["items"].([]any)[0].(map[string]any)["name"] = "pasta"
	cp["meta"].(map[string]any)["table"] = 5.0

	assert.Equal(t, "pizza", orig["items"].([]any)[0].(map[string]any)["name"])
	assert.Equal(t, 4.0, orig["meta"].(map[string]any)["table"])
}

func TestDocumentTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := domain.Document{"a": ts, "b": ts.Format(time.RFC3339), "c": 12.0}

	got, ok := doc.Time("a")
	assert.True(t, ok)
	assert.True(t, got.Equal(ts))

	got, ok = doc.Time("b")
	assert.True(t, ok)
	assert.True(t, got.Equal(ts))

	_, ok = doc.Time("c")
	assert.False(t, ok)
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&domain.Session{}).Expired(now))
	assert.True(t, (&domain.Session{ExpiresAt: now.Add(-time.Second)}).Expired(now))
	assert.False(t, (&domain.Session{ExpiresAt: now.Add(time.Minute)}).Expired(now))
}
