package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ChansonFM/core/errs"
	"ChansonFM/logger"
)

// FileExt 缓存音频的统一扩展名
const FileExt = ".opus"

// CachePath 返回来源 ID 在目录中的标准文件路径
func CachePath(dir, sourceID string) string {
	return filepath.Join(dir, sourceID+FileExt)
}

// YtDlp 调用 yt-dlp 获取元数据和音频
type YtDlp struct {
	binary       string
	downloadDir  string
	audioQuality string
}

// NewYtDlp 创建 yt-dlp 提取器, audioQuality 对应 --audio-quality
func NewYtDlp(binary, downloadDir, audioQuality string) *YtDlp {
	if audioQuality == "" {
		audioQuality = "0"
	}
	return &YtDlp{binary: binary, downloadDir: downloadDir, audioQuality: audioQuality}
}

type ytDlpInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Uploader   *string  `json:"uploader"`
	Channel    *string  `json:"channel"`
	Duration   *float64 `json:"duration"`
	WebpageURL string   `json:"webpage_url"`
}

func (y *YtDlp) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = "unknown error"
		}
		return "", fmt.Errorf("%w: yt-dlp failed (%v): %s", errs.ErrAcquisitionFailed, err, detail)
	}
	return stdout.String(), nil
}

// FetchInfo 读取视频元数据, 不下载
func (y *YtDlp) FetchInfo(ctx context.Context, url string) (*Info, error) {
	out, err := y.run(ctx, "--dump-json", "--skip-download", "--no-playlist", "--no-warnings", url)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, fmt.Errorf("%w: yt-dlp returned empty output", errs.ErrAcquisitionFailed)
	}
	return parseInfo([]byte(last), url)
}

func parseInfo(line []byte, requestURL string) (*Info, error) {
	var raw ytDlpInfo
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid yt-dlp json: %v", errs.ErrAcquisitionFailed, err)
	}

	info := &Info{
		ID:          raw.ID,
		URL:         raw.WebpageURL,
		Title:       raw.Title,
		Uploader:    raw.Uploader,
		DurationSec: raw.Duration,
	}
	if info.URL == "" {
		info.URL = requestURL
	}
	if info.Uploader == nil {
		info.Uploader = raw.Channel
	}
	return info, nil
}

// Download 下载音频到 <downloadDir>/<id>.opus
func (y *YtDlp) Download(ctx context.Context, url, id string) (string, error) {
	if err := os.MkdirAll(y.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	template := filepath.Join(y.downloadDir, id+".%(ext)s")
	_, err := y.run(ctx,
		"-x",
		"--audio-format", strings.TrimPrefix(FileExt, "."),
		"--audio-quality", y.audioQuality,
		"--no-playlist",
		"--no-warnings",
		"-o", template,
		url,
	)
	if err != nil {
		return "", err
	}

	path := CachePath(y.downloadDir, id)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: yt-dlp finished but %s is missing", errs.ErrAcquisitionFailed, path)
	}
	logger.Info("yt-dlp download finished", logger.String("source_id", id), logger.String("path", path))
	return path, nil
}
