package provider

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ChansonFM/config"
	"ChansonFM/core/audio"
	"ChansonFM/core/diskcache"
	"ChansonFM/core/errs"
	"ChansonFM/core/queue"
	"ChansonFM/db"
	"ChansonFM/model"
	"ChansonFM/repository"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "secret"
	videoID   = "dQw4w9WgXcQ"
)

type harness struct {
	bridge *Bridge
	repo   repository.CatalogRepository
	queue  *queue.Manager
	dir    string
	url    string
}

func newHarness(t *testing.T, external bool) *harness {
	t.Helper()
	return newHarnessWith(t, Config{Token: testToken, External: external, CacheMaxBytes: 1 << 30}, nil)
}

// newHarnessWith 使用给定配置, DownloadDir 由临时目录覆盖
func newHarnessWith(t *testing.T, cfg Config, nowPlaying NowPlayingFunc) *harness {
	t.Helper()
	gdb, err := db.Open(&config.Config{
		DBDriver: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "catalog.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(gdb) })

	repo := repository.NewGormCatalogRepository(gdb)
	q := queue.NewManager(repo)
	dir := t.TempDir()
	cfg.DownloadDir = dir
	bridge := NewBridge(cfg, repo, q, diskcache.NewManager(dir, repo, nil), nowPlaying)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bridge.Serve(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	return &harness{
		bridge: bridge,
		repo:   repo,
		queue:  q,
		dir:    dir,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) dialReady(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	send(t, conn, map[string]interface{}{"type": "hello", "token": testToken})
	require.Eventually(t, h.bridge.Ready, time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
	}
}

func placeholder(t *testing.T, repo repository.CatalogRepository) *model.Track {
	t.Helper()
	track := &model.Track{
		Source:    model.SourceYouTube,
		SourceID:  videoID,
		SourceURL: "https://www.youtube.com/watch?v=" + videoID,
		Title:     model.PendingTitle,
	}
	require.NoError(t, repo.InsertTrack(context.Background(), track))
	return track
}

func TestHelloWithBadTokenClosesUnauthorized(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t)
	send(t, conn, map[string]interface{}{"type": "hello", "token": "wrong"})

	assert.Equal(t, CloseUnauthorized, closeCode(t, conn))
	assert.False(t, h.bridge.Ready())
}

func TestProviderModeDisabled(t *testing.T) {
	h := newHarness(t, false)
	conn := h.dial(t)
	send(t, conn, map[string]interface{}{"type": "hello", "token": testToken})

	assert.Equal(t, CloseModeDisabled, closeCode(t, conn))
	assert.False(t, h.bridge.Ready())
}

func TestMessagesBeforeHelloIgnored(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dial(t)
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	send(t, conn, map[string]interface{}{"type": "hello", "token": testToken})
	require.Eventually(t, h.bridge.Ready, time.Second, 10*time.Millisecond)

	// upload_start 在握手前被忽略, 所以这里能重新开始而不是 4100
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("abc")))
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": videoID})

	assert.Eventually(t, func() bool {
		_, err := os.Stat(audio.CachePath(h.dir, videoID))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestSecondConnectionRejectedWithoutDisturbingFirst(t *testing.T) {
	h := newHarness(t, true)
	first := h.dialReady(t)
	require.True(t, h.bridge.RequestTrack(videoID, "https://www.youtube.com/watch?v="+videoID))

	var req RequestTrack
	require.NoError(t, first.ReadJSON(&req))
	assert.Equal(t, MsgTypeRequestTrack, req.Type)
	assert.Equal(t, videoID, req.SourceID)
	assert.NotEmpty(t, req.RequestID)

	second := h.dial(t)
	assert.Equal(t, CloseAlreadyConnected, closeCode(t, second))

	assert.True(t, h.bridge.Ready())
	assert.Equal(t, 1, h.bridge.Pending())
	assert.True(t, h.bridge.Status().Connected)
}

func TestRequestTrackCoalescesPending(t *testing.T) {
	h := newHarness(t, true)
	assert.False(t, h.bridge.RequestTrack(videoID, "u"))

	conn := h.dialReady(t)
	assert.True(t, h.bridge.RequestTrack(videoID, "u"))
	assert.True(t, h.bridge.RequestTrack(videoID, "u"))
	assert.Equal(t, 1, h.bridge.Pending())

	var req RequestTrack
	require.NoError(t, conn.ReadJSON(&req))

	send(t, conn, map[string]interface{}{"type": "track_uploaded", "request_id": req.RequestID, "source_id": videoID})
	assert.Eventually(t, func() bool { return h.bridge.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUploadFlowUpdatesTrackAndQueue(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	track := placeholder(t, h.repo)
	_, err := h.queue.Enqueue(ctx, track, nil)
	require.NoError(t, err)

	conn := h.dialReady(t)
	require.True(t, h.bridge.RequestTrack(videoID, track.SourceURL))
	var req RequestTrack
	require.NoError(t, conn.ReadJSON(&req))

	send(t, conn, map[string]interface{}{
		"type": "track_info", "request_id": req.RequestID, "source_id": videoID,
		"source_url": track.SourceURL, "title": "Never Gonna Give You Up", "duration_sec": 213,
	})
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{1}, 1000)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{2}, 500)))
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": videoID})
	send(t, conn, map[string]interface{}{"type": "track_uploaded", "request_id": req.RequestID, "source_id": videoID})

	require.Eventually(t, func() bool {
		snap := h.queue.Snapshot()
		return len(snap) == 1 && snap[0].Ready
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, videoID)
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up", stored.Title)
	require.NotNil(t, stored.DurationSec)
	assert.Equal(t, 213.0, *stored.DurationSec)

	info, err := os.Stat(audio.CachePath(h.dir, videoID))
	require.NoError(t, err)
	assert.EqualValues(t, 1500, info.Size())
	assert.NoFileExists(t, audio.CachePath(h.dir, videoID)+partSuffix)
	assert.Eventually(t, func() bool { return h.bridge.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestZeroByteUploadDiscarded(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	placeholder(t, h.repo)

	conn := h.dialReady(t)
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": videoID})
	// 重复的 upload_end 是空操作
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": videoID})
	// 新的上传能开始说明前一个已经结束
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": "aaaaaaaaaaa"})
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": "aaaaaaaaaaa"})

	// 没有进行中的上传时二进制帧触发关闭, 此时前面的消息都已处理
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("x")))
	assert.Equal(t, CloseUploadNotStarted, closeCode(t, conn))

	assert.NoFileExists(t, audio.CachePath(h.dir, "aaaaaaaaaaa")+partSuffix)
	assert.NoFileExists(t, audio.CachePath(h.dir, videoID))
	stored, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, videoID)
	require.NoError(t, err)
	assert.Nil(t, stored.FilePath)
}

func TestMismatchedUploadEndIsNoop(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dialReady(t)

	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("abc")))
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": "aaaaaaaaaaa"})
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": "bbbbbbbbbbb"})

	assert.Equal(t, CloseUploadInProgress, closeCode(t, conn))
}

func TestInvalidUploadSourceID(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dialReady(t)
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": "../etc"})
	assert.Equal(t, CloseInvalidSourceID, closeCode(t, conn))
}

func TestBinaryWithoutUploadCloses(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dialReady(t)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("abc")))
	assert.Equal(t, CloseUploadNotStarted, closeCode(t, conn))
}

func TestDisconnectDiscardsPartialUploadAndPending(t *testing.T) {
	h := newHarness(t, true)
	conn := h.dialReady(t)

	var statuses []Status
	statusCh := make(chan Status, 8)
	h.bridge.OnStatus(func(s Status) { statusCh <- s })

	require.True(t, h.bridge.RequestTrack(videoID, "u"))
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("partial")))
	part := audio.CachePath(h.dir, videoID) + partSuffix
	require.Eventually(t, func() bool {
		_, err := os.Stat(part)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	select {
	case s := <-statusCh:
		statuses = append(statuses, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no status after disconnect")
	}
	assert.False(t, statuses[0].Connected)
	assert.False(t, statuses[0].Ready)
	assert.Equal(t, "external", statuses[0].Mode)
	assert.Equal(t, 0, h.bridge.Pending())
	assert.NoFileExists(t, part)

	// 断开后可以重新连接
	h.dialReady(t)
}

func TestStoreUpload(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	placeholder(t, h.repo)

	_, err := h.bridge.StoreUpload(ctx, videoID, bytes.NewReader(nil))
	assert.ErrorIs(t, err, errs.ErrEmptyUpload)
	assert.NoFileExists(t, audio.CachePath(h.dir, videoID))

	_, err = h.bridge.StoreUpload(ctx, "bad", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, errs.ErrInvalidSource)

	n, err := h.bridge.StoreUpload(ctx, videoID, bytes.NewReader([]byte("opus-data")))
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)

	stored, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, videoID)
	require.NoError(t, err)
	require.NotNil(t, stored.FilePath)
	assert.Equal(t, audio.CachePath(h.dir, videoID), *stored.FilePath)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTrackErrorRemovesQueueRows(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	track := placeholder(t, h.repo)
	_, err := h.queue.Enqueue(ctx, track, nil)
	require.NoError(t, err)

	conn := h.dialReady(t)
	require.True(t, h.bridge.RequestTrack(videoID, track.SourceURL))
	var req RequestTrack
	require.NoError(t, conn.ReadJSON(&req))

	send(t, conn, map[string]interface{}{"type": "track_error", "request_id": req.RequestID, "source_id": videoID, "message": "boom"})
	assert.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.bridge.Pending())
}

func TestDecodeInbound(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"track_error","request_id":"r","source_id":"s","message":"m"}`))
	require.NoError(t, err)
	assert.Equal(t, TrackError{RequestID: "r", SourceID: "s", Message: "m"}, msg)

	msg, err = DecodeInbound([]byte(`{"type":"dance"}`))
	require.NoError(t, err)
	assert.Equal(t, Unrecognized{Type: "dance"}, msg)

	_, err = DecodeInbound([]byte(`nope`))
	assert.Error(t, err)
}

// seedCached 写入一个缓存文件并登记曲目, mtime 回拨 age
func seedCached(t *testing.T, h *harness, id string, size int, age time.Duration) string {
	t.Helper()
	path := audio.CachePath(h.dir, id)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{9}, size), 0644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	require.NoError(t, h.repo.InsertTrack(context.Background(), &model.Track{
		Source:    model.SourceYouTube,
		SourceID:  id,
		SourceURL: "https://www.youtube.com/watch?v=" + id,
		Title:     "cached " + id,
		FilePath:  &path,
	}))
	return path
}

// evictionHarness 预算只够一个文件: 过期文件 A, 正在播放的 B (最旧), 排队等待上传的 videoID
func evictionHarness(t *testing.T) (*harness, string, string) {
	t.Helper()
	h := newHarnessWith(t, Config{Token: testToken, External: true, CacheMaxBytes: 1000},
		func() string { return "BBBBBBBBBBB" })
	stale := seedCached(t, h, "AAAAAAAAAAA", 1000, 2*time.Hour)
	playing := seedCached(t, h, "BBBBBBBBBBB", 1000, 3*time.Hour)

	track := placeholder(t, h.repo)
	_, err := h.queue.Enqueue(context.Background(), track, nil)
	require.NoError(t, err)
	return h, stale, playing
}

func assertOnlyStaleEvicted(t *testing.T, h *harness, stale, playing string) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	assert.FileExists(t, playing, "now playing file is protected")
	assert.FileExists(t, audio.CachePath(h.dir, videoID), "queued upload is protected")

	require.Eventually(t, func() bool {
		evicted, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, "AAAAAAAAAAA")
		return err == nil && evicted != nil && evicted.FilePath == nil
	}, time.Second, 10*time.Millisecond)

	kept, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, "BBBBBBBBBBB")
	require.NoError(t, err)
	require.NotNil(t, kept.FilePath)
	assert.Equal(t, playing, *kept.FilePath)

	queued, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, videoID)
	require.NoError(t, err)
	require.NotNil(t, queued.FilePath)
	assert.Equal(t, audio.CachePath(h.dir, videoID), *queued.FilePath)
	assert.True(t, h.queue.Snapshot()[0].Ready)
}

func TestUploadEvictsOnlyUnprotectedFiles(t *testing.T) {
	h, stale, playing := evictionHarness(t)

	conn := h.dialReady(t)
	send(t, conn, map[string]interface{}{"type": "upload_start", "source_id": videoID})
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, bytes.Repeat([]byte{1}, 1000)))
	send(t, conn, map[string]interface{}{"type": "upload_end", "source_id": videoID})

	require.Eventually(t, func() bool {
		snap := h.queue.Snapshot()
		return len(snap) == 1 && snap[0].Ready
	}, 2*time.Second, 10*time.Millisecond)
	assertOnlyStaleEvicted(t, h, stale, playing)
}

func TestStoreUploadEvictsOnlyUnprotectedFiles(t *testing.T) {
	h, stale, playing := evictionHarness(t)

	n, err := h.bridge.StoreUpload(context.Background(), videoID, bytes.NewReader(bytes.Repeat([]byte{1}, 1000)))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, n)

	// 淘汰在 StoreUpload 返回前完成
	assert.NoFileExists(t, stale)
	assertOnlyStaleEvicted(t, h, stale, playing)
}
