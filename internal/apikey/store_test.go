package apikey

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		id   string
	}{
		{"seconds", time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC), "550e8400-e29b-41d4-a716-446655440000"},
		{"nanoseconds", time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC), "key-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor := encodeCursor(tt.ts, tt.id)
			require.NotEmpty(t, cursor)

			gotTime, gotID, err := decodeCursor(cursor)
			require.NoError(t, err)
			assert.True(t, gotTime.Equal(tt.ts), "time mismatch: got %v, want %v", gotTime, tt.ts)
			assert.Equal(t, tt.id, gotID)
		})
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	tests := map[string]string{
		"invalid base64":    "not-valid-base64!!!",
		"missing separator": base64.URLEncoding.EncodeToString([]byte("nopipe")),
		"invalid time":      base64.URLEncoding.EncodeToString([]byte("bad-time|some-id")),
		"empty id":          base64.URLEncoding.EncodeToString([]byte("2024-01-02T03:04:05Z|")),
	}

	for name, cursor := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeCursor(cursor)
			assert.Error(t, err)
		})
	}
}

func TestToIdentity(t *testing.T) {
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	k := &Key{
		ID:        "key-1",
		UserID:    "user-1",
		KeyHash:   "deadbeef",
		KeyPrefix: "nr_abcdefg",
		IsActive:  true,
		ExpiresAt: &expires,
		Tier:      "professional",
	}

	id := toIdentity(k)
	assert.Equal(t, "user-1", id.CallerID)
	assert.Equal(t, "key-1", id.KeyID)
	assert.Equal(t, "nr_abcdefg", id.KeyPrefix)
	assert.Equal(t, "professional", id.Tier)
	assert.True(t, id.Usable(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, id.Usable(expires))
}
