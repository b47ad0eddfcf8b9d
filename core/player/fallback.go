package player

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ChansonFM/core/audio"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"

	"github.com/fsnotify/fsnotify"
)

// fallbackBatch 每次补充时最多取出的未播放曲目数
const fallbackBatch = 50

// FallbackBag 队列为空时的随机曲目袋. 取空后重新洗牌补充.
type FallbackBag struct {
	repo repository.CatalogRepository
	dir  string

	mu      sync.Mutex
	bag     []*model.Track
	removed map[string]struct{}
}

// NewFallbackBag creates a new fallback bag over cached tracks.
func NewFallbackBag(repo repository.CatalogRepository, dir string) *FallbackBag {
	return &FallbackBag{
		repo:    repo,
		dir:     dir,
		removed: make(map[string]struct{}),
	}
}

// Watch 监听缓存目录, 被删除的文件立即从袋中移除. 阻塞到 ctx 结束.
func (b *FallbackBag) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(b.dir); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, audio.FileExt) {
				continue
			}
			sourceID := strings.TrimSuffix(name, audio.FileExt)
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				b.drop(sourceID)
			case event.Op&fsnotify.Create != 0:
				b.restore(sourceID)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fallback watcher error", logger.ErrorField(err))
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *FallbackBag) drop(sourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed[sourceID] = struct{}{}
	kept := b.bag[:0]
	for _, t := range b.bag {
		if t.SourceID != sourceID {
			kept = append(kept, t)
		}
	}
	b.bag = kept
}

func (b *FallbackBag) restore(sourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.removed, sourceID)
}

// Len 袋中剩余曲目数
func (b *FallbackBag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bag)
}

// Next 取出下一首可播放的曲目, exclude 中的来源 ID 跳过. 没有可用曲目时返回 nil.
func (b *FallbackBag) Next(ctx context.Context, exclude map[string]struct{}) (*model.Track, error) {
	refilled := false
	for {
		b.mu.Lock()
		if len(b.bag) == 0 {
			b.mu.Unlock()
			if refilled {
				return nil, nil
			}
			if err := b.refill(ctx); err != nil {
				return nil, err
			}
			refilled = true
			continue
		}
		t := b.bag[len(b.bag)-1]
		b.bag = b.bag[:len(b.bag)-1]
		_, gone := b.removed[t.SourceID]
		b.mu.Unlock()

		if gone {
			continue
		}
		if _, skip := exclude[t.SourceID]; skip {
			continue
		}
		if !t.HasFile() {
			continue
		}
		if _, err := os.Stat(*t.FilePath); err != nil {
			continue
		}
		return t, nil
	}
}

// refill 优先选最近没播过的曲目, 没有时退回全部已缓存曲目
func (b *FallbackBag) refill(ctx context.Context) error {
	tracks, err := b.repo.PickUnplayedTracks(ctx, fallbackBatch)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		tracks, err = b.cachedTracks(ctx)
		if err != nil {
			return err
		}
	}

	rand.Shuffle(len(tracks), func(i, j int) { tracks[i], tracks[j] = tracks[j], tracks[i] })

	b.mu.Lock()
	b.bag = tracks
	b.mu.Unlock()
	logger.Debug("fallback bag refilled", logger.Int("size", len(tracks)))
	return nil
}

func (b *FallbackBag) cachedTracks(ctx context.Context) ([]*model.Track, error) {
	all, err := b.repo.ListTracksWithFile(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := b.repo.ListBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(blocked))
	for _, e := range blocked {
		skip[e.Source+"/"+e.SourceID] = struct{}{}
	}

	tracks := all[:0]
	for _, t := range all {
		if _, ok := skip[t.Source+"/"+t.SourceID]; !ok {
			tracks = append(tracks, t)
		}
	}
	return tracks, nil
}
