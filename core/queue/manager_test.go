package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"ChansonFM/config"
	"ChansonFM/db"
	"ChansonFM/model"
	"ChansonFM/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu        sync.Mutex
	snapshots [][]model.TrackView
}

func (c *capturePublisher) PublishQueue(q []model.TrackView) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, q)
}

func (c *capturePublisher) last() []model.TrackView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return nil
	}
	return c.snapshots[len(c.snapshots)-1]
}

func setup(t *testing.T) (repository.CatalogRepository, *Manager, *capturePublisher) {
	t.Helper()
	gdb, err := db.Open(&config.Config{
		DBDriver: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "catalog.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(gdb) })

	repo := repository.NewGormCatalogRepository(gdb)
	pub := &capturePublisher{}
	return repo, NewManager(repo, pub), pub
}

func addTrack(t *testing.T, repo repository.CatalogRepository, id string, file string) *model.Track {
	t.Helper()
	track := &model.Track{
		Source:    model.SourceYouTube,
		SourceID:  id,
		SourceURL: "https://www.youtube.com/watch?v=" + id,
		Title:     "title " + id,
	}
	if file != "" {
		track.FilePath = &file
	}
	require.NoError(t, repo.InsertTrack(context.Background(), track))
	return track
}

func realFile(t *testing.T, id string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), id+".opus")
	require.NoError(t, os.WriteFile(path, []byte("opus"), 0644))
	return path
}

func TestEnqueueThenDequeueInOrder(t *testing.T) {
	repo, m, pub := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	a := addTrack(t, repo, "aaaaaaaaaaa", realFile(t, "aaaaaaaaaaa"))
	b := addTrack(t, repo, "bbbbbbbbbbb", realFile(t, "bbbbbbbbbbb"))

	who := "alice"
	_, err := m.Enqueue(ctx, a, &who)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, b, nil)
	require.NoError(t, err)

	snap := pub.last()
	require.Len(t, snap, 2)
	assert.Equal(t, "aaaaaaaaaaa", snap[0].SourceID)
	assert.Equal(t, 0, snap[0].Position)
	assert.Equal(t, "alice", *snap[0].RequestedBy)
	assert.True(t, snap[0].Ready)
	assert.Equal(t, 1, snap[1].Position)

	head, err := m.DequeueNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, a.ID, head.TrackID)

	snap = pub.last()
	require.Len(t, snap, 1)
	assert.Equal(t, "bbbbbbbbbbb", snap[0].SourceID)
	assert.Equal(t, 0, snap[0].Position)
	assert.Equal(t, 1, m.Len())
}

func TestDequeueKeepsHeadWithoutFile(t *testing.T) {
	repo, m, _ := setup(t)
	ctx := context.Background()

	pending := addTrack(t, repo, "aaaaaaaaaaa", "")
	gone := addTrack(t, repo, "bbbbbbbbbbb", filepath.Join(t.TempDir(), "missing.opus"))

	_, err := m.Enqueue(ctx, pending, nil)
	require.NoError(t, err)

	head, err := m.DequeueNext(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, head)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, repo.ClearQueue(ctx))
	_, err = m.Enqueue(ctx, gone, nil)
	require.NoError(t, err)

	head, err = m.DequeueNext(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, head)
	assert.Equal(t, 1, m.Len())
}

func TestDequeueEmpty(t *testing.T) {
	_, m, _ := setup(t)
	head, err := m.DequeueNext(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, head)
}

func TestPurgeBySourceCompactsAndPublishes(t *testing.T) {
	repo, m, pub := setup(t)
	ctx := context.Background()

	a := addTrack(t, repo, "aaaaaaaaaaa", "")
	b := addTrack(t, repo, "bbbbbbbbbbb", "")
	for _, tr := range []*model.Track{a, b, a, b} {
		_, err := m.Enqueue(ctx, tr, nil)
		require.NoError(t, err)
	}

	n, err := m.PurgeBySource(ctx, model.SourceYouTube, "aaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap := pub.last()
	require.Len(t, snap, 2)
	for i, v := range snap {
		assert.Equal(t, "bbbbbbbbbbb", v.SourceID)
		assert.Equal(t, i, v.Position)
	}
	assert.Equal(t, map[string]struct{}{"bbbbbbbbbbb": {}}, m.SourceIDs())
}

func TestRemoveTrack(t *testing.T) {
	repo, m, _ := setup(t)
	ctx := context.Background()

	a := addTrack(t, repo, "aaaaaaaaaaa", "")
	_, err := m.Enqueue(ctx, a, nil)
	require.NoError(t, err)

	n, err := m.RemoveTrack(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Snapshot())
}

func TestLoadRecoversPersistedQueue(t *testing.T) {
	repo, m, _ := setup(t)
	ctx := context.Background()

	a := addTrack(t, repo, "aaaaaaaaaaa", "")
	_, err := repo.AppendQueue(ctx, a.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, m.Len())
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, "aaaaaaaaaaa", m.Snapshot()[0].SourceID)
}

func TestDequeueClaimsBeforeRemoval(t *testing.T) {
	repo, m, _ := setup(t)
	ctx := context.Background()

	pending := addTrack(t, repo, "aaaaaaaaaaa", "")
	_, err := m.Enqueue(ctx, pending, nil)
	require.NoError(t, err)

	var claimed []string
	var stillQueued bool
	claim := func(sourceID string) {
		claimed = append(claimed, sourceID)
		head, err := repo.PeekQueue(ctx)
		stillQueued = err == nil && head != nil && head.Track != nil && head.Track.SourceID == sourceID
	}

	// 未就绪的队首不认领
	head, err := m.DequeueNext(ctx, claim)
	require.NoError(t, err)
	assert.Nil(t, head)
	assert.Empty(t, claimed)

	require.NoError(t, repo.ClearQueue(ctx))
	ready := addTrack(t, repo, "bbbbbbbbbbb", realFile(t, "bbbbbbbbbbb"))
	_, err = m.Enqueue(ctx, ready, nil)
	require.NoError(t, err)

	head, err = m.DequeueNext(ctx, claim)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, []string{"bbbbbbbbbbb"}, claimed)
	assert.True(t, stillQueued, "claim runs before the row is removed")
	assert.Equal(t, 0, m.Len())
}
