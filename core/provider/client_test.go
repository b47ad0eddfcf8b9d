package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ChansonFM/core/audio"
	"ChansonFM/core/errs"
	"ChansonFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	dir         string
	downloadErr error
	downloaded  chan string
}

func (f *fakeExtractor) FetchInfo(ctx context.Context, url string) (*audio.Info, error) {
	uploader := "Rick Astley"
	duration := 213.0
	return &audio.Info{
		ID:          videoID,
		URL:         url,
		Title:       "Never Gonna Give You Up",
		Uploader:    &uploader,
		DurationSec: &duration,
	}, nil
}

func (f *fakeExtractor) Download(ctx context.Context, url, id string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := audio.CachePath(f.dir, id)
	// 大于一个分片, 覆盖多帧上传
	if err := os.WriteFile(path, bytes.Repeat([]byte{7}, uploadChunkSize+100), 0644); err != nil {
		return "", err
	}
	if f.downloaded != nil {
		f.downloaded <- path
	}
	return path, nil
}

func runClient(t *testing.T, h *harness, token string, extractor audio.Extractor) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(ClientConfig{BroadcasterURL: h.url, Token: token}, extractor)
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return cancel, done
}

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000":      "ws://localhost:3000/provider?token=s%2Bt",
		"https://radio.example.org/": "wss://radio.example.org/provider?token=s%2Bt",
		"ws://10.0.0.2:3000/base":    "ws://10.0.0.2:3000/base/provider?token=s%2Bt",
		"wss://radio.example.org":    "wss://radio.example.org/provider?token=s%2Bt",
	}
	for base, want := range cases {
		got, err := Endpoint(base, "s+t")
		require.NoError(t, err, base)
		assert.Equal(t, want, got)
	}

	_, err := Endpoint("ftp://example.org", "t")
	assert.Error(t, err)
	_, err = Endpoint("localhost:3000", "t")
	assert.Error(t, err)
}

func TestClientFulfillsRequest(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	track := placeholder(t, h.repo)
	_, err := h.queue.Enqueue(ctx, track, nil)
	require.NoError(t, err)

	extractor := &fakeExtractor{dir: t.TempDir(), downloaded: make(chan string, 1)}
	runClient(t, h, testToken, extractor)
	require.Eventually(t, h.bridge.Ready, 2*time.Second, 10*time.Millisecond)

	require.True(t, h.bridge.RequestTrack(videoID, track.SourceURL))

	require.Eventually(t, func() bool {
		snap := h.queue.Snapshot()
		return len(snap) == 1 && snap[0].Ready
	}, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.bridge.Pending() == 0 }, time.Second, 10*time.Millisecond)

	stored, err := h.repo.GetTrackBySource(ctx, model.SourceYouTube, videoID)
	require.NoError(t, err)
	assert.Equal(t, "Never Gonna Give You Up", stored.Title)
	require.NotNil(t, stored.Uploader)
	assert.Equal(t, "Rick Astley", *stored.Uploader)

	info, err := os.Stat(audio.CachePath(h.dir, videoID))
	require.NoError(t, err)
	assert.EqualValues(t, uploadChunkSize+100, info.Size())

	local := <-extractor.downloaded
	assert.Eventually(t, func() bool {
		_, err := os.Stat(local)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestClientReportsFailure(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	track := placeholder(t, h.repo)
	_, err := h.queue.Enqueue(ctx, track, nil)
	require.NoError(t, err)

	extractor := &fakeExtractor{
		dir:         t.TempDir(),
		downloadErr: fmt.Errorf("%w: video unavailable", errs.ErrAcquisitionFailed),
	}
	runClient(t, h, testToken, extractor)
	require.Eventually(t, h.bridge.Ready, 2*time.Second, 10*time.Millisecond)

	require.True(t, h.bridge.RequestTrack(videoID, track.SourceURL))

	assert.Eventually(t, func() bool {
		return len(h.queue.Snapshot()) == 0 && h.bridge.Pending() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(h.dir, videoID+audio.FileExt))
}

func TestClientStopsWhenRejected(t *testing.T) {
	h := newHarness(t, true)
	_, done := runClient(t, h, "wrong", &fakeExtractor{dir: t.TempDir()})

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rejected")
	case <-time.After(3 * time.Second):
		t.Fatal("client kept reconnecting after unauthorized close")
	}
	assert.False(t, h.bridge.Ready())
}
