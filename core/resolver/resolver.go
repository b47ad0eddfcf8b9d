// Package resolver 把用户提交的链接解析为可入队的曲目.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ChansonFM/core/audio"
	"ChansonFM/core/errs"
	"ChansonFM/core/source"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"
)

// Provider 远程提供者的最小视图
type Provider interface {
	Ready() bool
	// RequestTrack 请求下载, 同一来源 ID 已在等待时合并, 未连接时返回 false
	RequestTrack(sourceID, url string) bool
}

// Restorer 从冷存储恢复被淘汰的文件
type Restorer interface {
	Restore(ctx context.Context, sourceID, destPath string) (bool, error)
}

// Enqueuer 解析成功后入队
type Enqueuer interface {
	Enqueue(ctx context.Context, track *model.Track, requestedBy *string) (*model.QueueItem, error)
}

// DurationProber 读取本地文件时长
type DurationProber func(ctx context.Context, path string) (float64, error)

// Options 可选依赖
type Options struct {
	Provider Provider
	Restorer Restorer
	Prober   DurationProber
}

// Resolver 曲目解析器
type Resolver struct {
	repo        repository.CatalogRepository
	extractor   audio.Extractor
	queue       Enqueuer
	downloadDir string
	external    bool

	provider Provider
	restorer Restorer
	prober   DurationProber
}

// New 创建解析器. external 为 true 时由远程提供者下载.
func New(repo repository.CatalogRepository, extractor audio.Extractor, queue Enqueuer, downloadDir string, external bool, opts Options) *Resolver {
	return &Resolver{
		repo:        repo,
		extractor:   extractor,
		queue:       queue,
		downloadDir: downloadDir,
		external:    external,
		provider:    opts.Provider,
		restorer:    opts.Restorer,
		prober:      opts.Prober,
	}
}

// Request 解析并入队, 返回入队的曲目
func (r *Resolver) Request(ctx context.Context, input string, requestedBy *string) (*model.Track, error) {
	track, err := r.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	if _, err := r.queue.Enqueue(ctx, track, requestedBy); err != nil {
		return nil, err
	}
	return track, nil
}

// Resolve 解析链接, 必要时下载或请求提供者. 返回的曲目可能还没有文件.
func (r *Resolver) Resolve(ctx context.Context, input string) (*model.Track, error) {
	ref, err := source.Normalize(input)
	if err != nil {
		return nil, err
	}

	blocked, err := r.repo.IsBlacklisted(ctx, ref.Source, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check blacklist: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: %s", errs.ErrBlacklisted, ref.ID)
	}

	track, err := r.repo.GetTrackBySource(ctx, ref.Source, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}

	path := audio.CachePath(r.downloadDir, ref.ID)
	if fileExists(path) || r.restore(ctx, ref.ID, path) {
		return r.useLocalFile(ctx, ref, track, path)
	}

	if r.external {
		return r.requestFromProvider(ctx, ref, track)
	}
	return r.acquireLocally(ctx, ref, track)
}

func (r *Resolver) restore(ctx context.Context, sourceID, path string) bool {
	if r.restorer == nil {
		return false
	}
	ok, err := r.restorer.Restore(ctx, sourceID, path)
	if err != nil {
		logger.Warn("restore from archive failed", logger.String("source_id", sourceID), logger.ErrorField(err))
		return false
	}
	if ok {
		logger.Info("[Resolver] restored from archive", logger.String("source_id", sourceID))
	}
	return ok
}

func (r *Resolver) useLocalFile(ctx context.Context, ref source.Ref, track *model.Track, path string) (*model.Track, error) {
	if track == nil {
		track = &model.Track{
			Source:    ref.Source,
			SourceID:  ref.ID,
			SourceURL: ref.URL,
			Title:     model.PendingTitle,
			FilePath:  &path,
		}
		if r.prober != nil {
			if d, err := r.prober(ctx, path); err == nil {
				track.DurationSec = &d
			}
		}
		if err := r.repo.InsertTrack(ctx, track); err != nil {
			return nil, fmt.Errorf("failed to insert track: %w", err)
		}
		return track, nil
	}

	if !track.HasFile() || *track.FilePath != path {
		if err := r.repo.UpdateTrackFilePath(ctx, track.ID, &path); err != nil {
			return nil, fmt.Errorf("failed to update track file path: %w", err)
		}
		track.FilePath = &path
	}
	return track, nil
}

func (r *Resolver) requestFromProvider(ctx context.Context, ref source.Ref, track *model.Track) (*model.Track, error) {
	if r.provider == nil || !r.provider.Ready() {
		return nil, errs.ErrProviderUnavailable
	}

	if track == nil {
		track = &model.Track{
			Source:    ref.Source,
			SourceID:  ref.ID,
			SourceURL: ref.URL,
			Title:     model.PendingTitle,
		}
		if err := r.repo.InsertTrack(ctx, track); err != nil {
			return nil, fmt.Errorf("failed to insert placeholder track: %w", err)
		}
	} else if track.HasFile() {
		// 记录的文件已被删除
		if err := r.repo.UpdateTrackFilePath(ctx, track.ID, nil); err != nil {
			return nil, fmt.Errorf("failed to clear stale file path: %w", err)
		}
		track.FilePath = nil
	}

	if !r.provider.RequestTrack(ref.ID, ref.URL) {
		return nil, fmt.Errorf("%w: failed to request track from provider", errs.ErrProviderUnavailable)
	}
	return track, nil
}

func (r *Resolver) acquireLocally(ctx context.Context, ref source.Ref, track *model.Track) (*model.Track, error) {
	if track != nil {
		if track.HasFile() && fileExists(*track.FilePath) {
			return track, nil
		}
		path, err := r.extractor.Download(ctx, ref.URL, ref.ID)
		if err != nil {
			return nil, err
		}
		if err := r.repo.UpdateTrackFilePath(ctx, track.ID, &path); err != nil {
			return nil, fmt.Errorf("failed to update track file path: %w", err)
		}
		track.FilePath = &path
		return track, nil
	}

	info, err := r.extractor.FetchInfo(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	id := info.ID
	if id == "" {
		id = ref.ID
	}
	if id != ref.ID {
		// 重定向到了另一个视频, 以提取工具给出的 ID 为准
		existing, err := r.repo.GetTrackBySource(ctx, ref.Source, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load track: %w", err)
		}
		if existing != nil && existing.HasFile() && fileExists(*existing.FilePath) {
			return existing, nil
		}
	}

	path, err := r.extractor.Download(ctx, ref.URL, id)
	if err != nil {
		return nil, err
	}

	url := info.URL
	if url == "" {
		url = ref.URL
	}
	track = &model.Track{
		Source:      ref.Source,
		SourceID:    id,
		SourceURL:   url,
		Title:       info.Title,
		Uploader:    info.Uploader,
		DurationSec: info.DurationSec,
		FilePath:    &path,
	}
	if track.Title == "" {
		track.Title = id
	}
	if err := r.repo.InsertTrack(ctx, track); err != nil {
		// 并发请求已经插入同一来源
		existing, lookupErr := r.repo.GetTrackBySource(ctx, ref.Source, id)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("failed to insert track: %w", err)
		}
		if updateErr := r.repo.UpdateTrackFilePath(ctx, existing.ID, &path); updateErr != nil {
			return nil, fmt.Errorf("failed to update track file path: %w", errors.Join(err, updateErr))
		}
		existing.FilePath = &path
		return existing, nil
	}
	logger.Info("[Resolver] track acquired locally",
		logger.String("source_id", id),
		logger.String("title", track.Title))
	return track, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
