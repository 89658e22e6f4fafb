package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfile(name string) *UpstreamProfile {
	return &UpstreamProfile{
		Name:            name,
		Description:     name + " profile",
		BaseURL:         "https://" + name + ".example.com",
		APIKeyEncrypted: []byte("ciphertext-" + name),
	}
}

func activeNames(t *testing.T, repo *ProfileRepository) []string {
	t.Helper()
	all, err := repo.List(context.Background())
	require.NoError(t, err)
	var names []string
	for _, p := range all {
		if p.IsActive {
			names = append(names, p.Name)
		}
	}
	return names
}

func TestProfiles_CreateAndActivate(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	a := newTestProfile("a")
	require.NoError(t, repo.Create(ctx, a, true))
	b := newTestProfile("b")
	require.NoError(t, repo.Create(ctx, b, false))
	assert.Equal(t, []string{"a"}, activeNames(t, repo))

	active := true
	_, err := repo.Update(ctx, b.ID, ProfileUpdate{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, activeNames(t, repo))

	got, err := repo.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	c := newTestProfile("c")
	require.NoError(t, repo.Create(ctx, c, true))
	assert.Equal(t, []string{"c"}, activeNames(t, repo))
}

func TestProfiles_DuplicateName(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTestProfile("a"), false))
	assert.ErrorIs(t, repo.Create(ctx, newTestProfile("a"), false), ErrDuplicateName)

	b := newTestProfile("b")
	require.NoError(t, repo.Create(ctx, b, false))
	name := "a"
	_, err := repo.Update(ctx, b.ID, ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// renaming to its own name is fine
	name = "b"
	_, err = repo.Update(ctx, b.ID, ProfileUpdate{Name: &name})
	assert.NoError(t, err)
}

func TestProfiles_UpdateFields(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	p := newTestProfile("a")
	require.NoError(t, repo.Create(ctx, p, true))

	base := "https://rotated.example.com"
	desc := ""
	updated, err := repo.Update(ctx, p.ID, ProfileUpdate{
		BaseURL:         &base,
		Description:     &desc,
		APIKeyEncrypted: []byte("new-ciphertext"),
	})
	require.NoError(t, err)
	assert.Equal(t, base, updated.BaseURL)
	assert.Equal(t, "", updated.Description)
	assert.Equal(t, []byte("new-ciphertext"), updated.APIKeyEncrypted)
	assert.True(t, updated.IsActive)

	_, err = repo.Update(ctx, 9999, ProfileUpdate{BaseURL: &base})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfiles_Toggle(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	a := newTestProfile("a")
	require.NoError(t, repo.Create(ctx, a, true))
	b := newTestProfile("b")
	require.NoError(t, repo.Create(ctx, b, false))

	toggled, err := repo.Toggle(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, toggled.IsActive)
	assert.Equal(t, []string{"b"}, activeNames(t, repo))

	toggled, err = repo.Toggle(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)
	assert.Empty(t, activeNames(t, repo))

	_, err = repo.GetActive(ctx)
	assert.ErrorIs(t, err, ErrNoActiveProfile)

	_, err = repo.Toggle(ctx, 9999)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfiles_Delete(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	a := newTestProfile("a")
	require.NoError(t, repo.Create(ctx, a, true))

	assert.ErrorIs(t, repo.Delete(ctx, a.ID), ErrProfileConflict, "sole active profile")

	b := newTestProfile("b")
	require.NoError(t, repo.Create(ctx, b, false))
	assert.ErrorIs(t, repo.Delete(ctx, a.ID), ErrProfileConflict, "active profile")

	require.NoError(t, repo.Delete(ctx, b.ID))
	assert.ErrorIs(t, repo.Delete(ctx, b.ID), ErrProfileNotFound)

	// an inactive sole profile is kept as well
	_, err := repo.Toggle(ctx, a.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Delete(ctx, a.ID), ErrProfileConflict)
}

func TestProfiles_ConcurrentActivation(t *testing.T) {
	repo := NewProfileRepository(newTestDB(t), nil)
	ctx := context.Background()

	const n = 6
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		p := newTestProfile(fmt.Sprintf("p%d", i))
		require.NoError(t, repo.Create(ctx, p, i == 0))
		ids = append(ids, p.ID)
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				active := true
				_, err := repo.Update(ctx, id, ProfileUpdate{IsActive: &active})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	count, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
