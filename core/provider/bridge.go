// Package provider 管理唯一的远程提供者连接: 握手, 下载请求和音频上传.
package provider

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"ChansonFM/core/audio"
	"ChansonFM/core/diskcache"
	"ChansonFM/core/errs"
	"ChansonFM/core/source"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	partSuffix     = ".part"
)

// QueueService 提供者需要的队列操作
type QueueService interface {
	Refresh(ctx context.Context) error
	RemoveTrack(ctx context.Context, trackID int64) (int, error)
	SourceIDs() map[string]struct{}
}

// Pruner 上传完成后的缓存淘汰
type Pruner interface {
	Prune(ctx context.Context, maxBytes int64, protected map[string]struct{}) (diskcache.PruneResult, error)
}

// NowPlayingFunc 返回正在播放的来源 ID, 空闲时返回空串
type NowPlayingFunc func() string

// StatusListener 连接状态变化回调
type StatusListener func(Status)

// Config 提供者桥接配置
type Config struct {
	Token         string
	External      bool
	DownloadDir   string
	CacheMaxBytes int64
}

// session 一个提供者连接
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith 发送关闭帧后断开
func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.conn.Close()
}

type uploadState struct {
	sourceID string
	partPath string
	file     *os.File
	bytes    int64
}

// Bridge 提供者桥接. 同一时刻最多一个连接, 最多一个进行中的上传.
type Bridge struct {
	cfg        Config
	repo       repository.CatalogRepository
	queue      QueueService
	pruner     Pruner
	nowPlaying NowPlayingFunc

	mu             sync.Mutex
	current        *session
	ready          bool
	pendingSources map[string]struct{}
	pendingByReq   map[string]string
	upload         *uploadState
	listeners      []StatusListener
}

// NewBridge creates a new provider bridge.
func NewBridge(cfg Config, repo repository.CatalogRepository, queue QueueService, pruner Pruner, nowPlaying NowPlayingFunc) *Bridge {
	if nowPlaying == nil {
		nowPlaying = func() string { return "" }
	}
	return &Bridge{
		cfg:            cfg,
		repo:           repo,
		queue:          queue,
		pruner:         pruner,
		nowPlaying:     nowPlaying,
		pendingSources: make(map[string]struct{}),
		pendingByReq:   make(map[string]string),
	}
}

// OnStatus 注册状态监听
func (b *Bridge) OnStatus(l StatusListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Status 当前状态
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Bridge) statusLocked() Status {
	mode := "local"
	if b.cfg.External {
		mode = "external"
	}
	return Status{
		Type:      MsgTypeProviderStatus,
		Connected: b.current != nil,
		Ready:     b.ready,
		Mode:      mode,
	}
}

// notifyLocked 在持锁时取快照, 解锁后调用监听者
func (b *Bridge) notifyLocked() func() {
	status := b.statusLocked()
	listeners := append([]StatusListener(nil), b.listeners...)
	return func() {
		for _, l := range listeners {
			l(status)
		}
	}
}

// Ready 是否可以接受下载请求
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.External && b.current != nil && b.ready
}

// Authorized 校验共享令牌, 令牌未配置时总是失败
func (b *Bridge) Authorized(token string) bool {
	if b.cfg.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(b.cfg.Token)) == 1
}

// External 是否为远程提供者模式
func (b *Bridge) External() bool {
	return b.cfg.External
}

// RequestTrack 向提供者请求下载. 同一来源已在等待时直接返回 true.
func (b *Bridge) RequestTrack(sourceID, url string) bool {
	b.mu.Lock()
	s := b.current
	if s == nil || !b.ready {
		b.mu.Unlock()
		return false
	}
	if _, ok := b.pendingSources[sourceID]; ok {
		b.mu.Unlock()
		return true
	}
	requestID := uuid.New().String()
	b.pendingSources[sourceID] = struct{}{}
	b.pendingByReq[requestID] = sourceID
	b.mu.Unlock()

	msg := RequestTrack{Type: MsgTypeRequestTrack, RequestID: requestID, SourceID: sourceID, URL: url}
	if err := s.writeJSON(msg); err != nil {
		logger.Warn("failed to send request_track", logger.String("source_id", sourceID), logger.ErrorField(err))
	}
	logger.Info("[Provider] track requested",
		logger.String("request_id", requestID),
		logger.String("source_id", sourceID))
	return true
}

// Pending 正在等待提供者的来源 ID 数量
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pendingSources)
}

// Serve 处理一个已升级的提供者连接, 阻塞到连接断开
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn) {
	s := &session{conn: conn}

	b.mu.Lock()
	if b.current != nil {
		b.mu.Unlock()
		logger.Warn("rejecting second provider connection", logger.String("remote", conn.RemoteAddr().String()))
		s.closeWith(CloseAlreadyConnected, "provider already connected")
		return
	}
	b.current = s
	b.ready = false
	notify := b.notifyLocked()
	b.mu.Unlock()
	notify()

	logger.Info("provider connected", logger.String("remote", conn.RemoteAddr().String()))
	defer b.unregister(s)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				s.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("provider read error", logger.ErrorField(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			b.handleText(ctx, s, data)
		case websocket.BinaryMessage:
			b.handleBinary(s, data)
		}

		s.writeMu.Lock()
		closed := s.closed
		s.writeMu.Unlock()
		if closed {
			return
		}
	}
}

// unregister 只在 s 仍是当前连接时生效
func (b *Bridge) unregister(s *session) {
	b.mu.Lock()
	if b.current != s {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.ready = false
	b.pendingSources = make(map[string]struct{})
	b.pendingByReq = make(map[string]string)
	upload := b.upload
	b.upload = nil
	notify := b.notifyLocked()
	b.mu.Unlock()

	if upload != nil {
		upload.file.Close()
		os.Remove(upload.partPath)
		logger.Warn("discarded partial upload", logger.String("source_id", upload.sourceID))
	}
	s.closeWith(websocket.CloseNormalClosure, "")
	logger.Info("provider disconnected")
	notify()
}

func (b *Bridge) handleText(ctx context.Context, s *session, data []byte) {
	if !b.cfg.External {
		s.closeWith(CloseModeDisabled, "provider mode disabled")
		return
	}

	msg, err := DecodeInbound(data)
	if err != nil {
		logger.Warn("ignoring malformed provider message", logger.ErrorField(err))
		return
	}

	if hello, ok := msg.(Hello); ok {
		if !b.Authorized(hello.Token) {
			s.closeWith(CloseUnauthorized, "unauthorized")
			return
		}
		b.mu.Lock()
		b.ready = true
		notify := b.notifyLocked()
		b.mu.Unlock()
		notify()
		logger.Info("[Provider] hello accepted")
		return
	}

	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if !ready {
		return
	}

	switch m := msg.(type) {
	case UploadStart:
		b.startUpload(s, m.SourceID)
	case UploadEnd:
		if err := b.finalizeUpload(ctx, m.SourceID); err != nil {
			logger.Error("failed to finalize upload", logger.String("source_id", m.SourceID), logger.ErrorField(err))
		}
	case TrackInfo:
		b.applyTrackInfo(ctx, m)
	case TrackUploaded:
		b.clearPending(m.RequestID, m.SourceID)
	case TrackError:
		b.clearPending(m.RequestID, m.SourceID)
		b.dropFailedTrack(ctx, m)
	case Unrecognized:
		logger.Debug("ignoring unknown provider message", logger.String("type", m.Type))
	}
}

func (b *Bridge) handleBinary(s *session, data []byte) {
	b.mu.Lock()
	if !b.ready {
		b.mu.Unlock()
		return
	}
	upload := b.upload
	if upload == nil {
		b.mu.Unlock()
		s.closeWith(CloseUploadNotStarted, "upload not started")
		return
	}
	n, err := upload.file.Write(data)
	upload.bytes += int64(n)
	b.mu.Unlock()

	if err != nil {
		logger.Error("failed to write upload chunk", logger.String("source_id", upload.sourceID), logger.ErrorField(err))
	}
}

func (b *Bridge) startUpload(s *session, sourceID string) {
	if !source.ValidID(sourceID) {
		s.closeWith(CloseInvalidSourceID, "invalid source id")
		return
	}

	b.mu.Lock()
	if b.upload != nil {
		b.mu.Unlock()
		s.closeWith(CloseUploadInProgress, "upload already in progress")
		return
	}
	partPath := audio.CachePath(b.cfg.DownloadDir, sourceID) + partSuffix
	if err := os.MkdirAll(b.cfg.DownloadDir, 0755); err != nil {
		b.mu.Unlock()
		logger.Error("failed to create download dir", logger.ErrorField(err))
		return
	}
	f, err := os.Create(partPath)
	if err != nil {
		b.mu.Unlock()
		logger.Error("failed to create upload file", logger.String("path", partPath), logger.ErrorField(err))
		return
	}
	b.upload = &uploadState{sourceID: sourceID, partPath: partPath, file: f}
	b.mu.Unlock()

	logger.Info("[Provider] upload started", logger.String("source_id", sourceID))
}

// finalizeUpload 来源不匹配或没有进行中的上传时什么也不做
func (b *Bridge) finalizeUpload(ctx context.Context, sourceID string) error {
	b.mu.Lock()
	upload := b.upload
	if upload == nil || upload.sourceID != sourceID {
		b.mu.Unlock()
		return nil
	}
	b.upload = nil
	b.mu.Unlock()

	if err := upload.file.Close(); err != nil {
		os.Remove(upload.partPath)
		return fmt.Errorf("failed to close upload file: %w", err)
	}
	return b.commit(ctx, sourceID, upload.partPath)
}

// StoreUpload HTTP 上传通道, 与 WebSocket 上传的落盘逻辑相同
func (b *Bridge) StoreUpload(ctx context.Context, sourceID string, body io.Reader) (int64, error) {
	if !source.ValidID(sourceID) {
		return 0, fmt.Errorf("%w: invalid source id", errs.ErrInvalidSource)
	}
	if err := os.MkdirAll(b.cfg.DownloadDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create download dir: %w", err)
	}

	f, err := os.CreateTemp(b.cfg.DownloadDir, sourceID+".*"+audio.FileExt+partSuffix)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	partPath := f.Name()
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if n == 0 {
		os.Remove(partPath)
		return 0, errs.ErrEmptyUpload
	}
	if err := b.commit(ctx, sourceID, partPath); err != nil {
		return 0, err
	}
	return n, nil
}

// commit 把临时文件移到正式位置, 更新曲目并做一次缓存淘汰
func (b *Bridge) commit(ctx context.Context, sourceID, partPath string) error {
	info, err := os.Stat(partPath)
	if err != nil {
		return nil
	}
	if info.Size() == 0 {
		os.Remove(partPath)
		logger.Warn("discarded empty upload", logger.String("source_id", sourceID))
		return nil
	}

	finalPath := audio.CachePath(b.cfg.DownloadDir, sourceID)
	if err := os.Rename(partPath, finalPath); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("failed to move upload into place: %w", err)
	}
	logger.Info("[Provider] upload stored",
		logger.String("source_id", sourceID),
		logger.Int64("bytes", info.Size()))

	if err := b.repo.UpdateTrackFilePathBySource(ctx, model.SourceYouTube, sourceID, &finalPath); err != nil {
		return fmt.Errorf("failed to update track file path: %w", err)
	}
	if err := b.queue.Refresh(ctx); err != nil {
		logger.Warn("failed to refresh queue after upload", logger.ErrorField(err))
	}

	if b.pruner == nil {
		return nil
	}
	protected := b.queue.SourceIDs()
	if id := b.nowPlaying(); id != "" {
		protected[id] = struct{}{}
	}
	if _, err := b.pruner.Prune(ctx, b.cfg.CacheMaxBytes, protected); err != nil {
		logger.Warn("cache prune failed", logger.ErrorField(err))
	}
	return nil
}

func (b *Bridge) applyTrackInfo(ctx context.Context, m TrackInfo) {
	existing, err := b.repo.GetTrackBySource(ctx, model.SourceYouTube, m.SourceID)
	if err != nil {
		logger.Error("failed to load track for track_info", logger.String("source_id", m.SourceID), logger.ErrorField(err))
		return
	}

	if existing != nil {
		err = b.repo.UpdateTrackMetadataBySource(ctx, model.SourceYouTube, m.SourceID, model.TrackMetadata{
			SourceURL:   m.SourceURL,
			Title:       m.Title,
			Uploader:    m.Uploader,
			DurationSec: m.DurationSec,
		})
	} else {
		url := m.SourceURL
		if url == "" {
			url = source.CanonicalURL(m.SourceID)
		}
		err = b.repo.InsertTrack(ctx, &model.Track{
			Source:      model.SourceYouTube,
			SourceID:    m.SourceID,
			SourceURL:   url,
			Title:       m.Title,
			Uploader:    m.Uploader,
			DurationSec: m.DurationSec,
		})
	}
	if err != nil {
		logger.Error("failed to store track_info", logger.String("source_id", m.SourceID), logger.ErrorField(err))
		return
	}
	if err := b.queue.Refresh(ctx); err != nil {
		logger.Warn("failed to refresh queue", logger.ErrorField(err))
	}
}

func (b *Bridge) clearPending(requestID, sourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pendingSources, sourceID)
	delete(b.pendingByReq, requestID)
}

func (b *Bridge) dropFailedTrack(ctx context.Context, m TrackError) {
	logger.Warn("[Provider] track failed",
		logger.String("source_id", m.SourceID),
		logger.String("message", m.Message))

	track, err := b.repo.GetTrackBySource(ctx, model.SourceYouTube, m.SourceID)
	if err != nil || track == nil {
		return
	}
	if _, err := b.queue.RemoveTrack(ctx, track.ID); err != nil {
		logger.Error("failed to remove failed track from queue", logger.ErrorField(err))
	}
}
