package storage

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricRepository_SaveAndRecent(t *testing.T) {
	repo := NewMetricRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.SaveMetric(ctx, &PerformanceMetric{Operation: "text_to_image", Success: true}))
	require.NoError(t, repo.SaveMetric(ctx, &PerformanceMetric{
		Operation:    "image_to_image",
		ErrorType:    "api_error",
		ErrorMessage: strings.Repeat("é", 300),
	}))

	all, err := repo.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "image_to_image", all[0].Operation, "newest first")

	msg := all[0].ErrorMessage
	assert.True(t, utf8.ValidString(msg))
	assert.Equal(t, strings.Repeat("é", maxErrorMessageLength/2), msg)

	only, err := repo.Recent(ctx, "text_to_image", 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.True(t, only[0].Success)
}
