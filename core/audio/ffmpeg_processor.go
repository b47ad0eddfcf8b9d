package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"ChansonFM/core/errs"
	"ChansonFM/logger"
)

// stderrTailBytes 转码失败时保留的诊断输出长度
const stderrTailBytes = 4096

// FFmpegTranscoder 用 ffmpeg 把本地文件实时编码为 Opus RTP 流
type FFmpegTranscoder struct {
	ffmpegPath string
}

// NewFFmpegTranscoder creates a new FFmpegTranscoder.
func NewFFmpegTranscoder(ffmpegPath string) *FFmpegTranscoder {
	return &FFmpegTranscoder{ffmpegPath: ffmpegPath}
}

// Args 返回 ffmpeg 命令行参数
func (p *FFmpegTranscoder) Args(inputFile string, target RTPTarget) []string {
	dest := fmt.Sprintf("rtp://%s:%d?rtcpport=%d", target.IP, target.Port, target.RTCPPort)
	return []string{
		"-nostats",
		"-loglevel", "warning",
		"-re",
		"-i", inputFile,
		"-vn",
		"-map", "0:a",
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-ssrc", strconv.FormatUint(uint64(target.SSRC), 10),
		"-payload_type", strconv.Itoa(int(target.PayloadType)),
		"-f", "rtp",
		dest,
	}
}

// Start 启动转码进程, 不等待结束
func (p *FFmpegTranscoder) Start(inputFile string, target RTPTarget) (Process, error) {
	if _, err := os.Stat(inputFile); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrMissingFile, inputFile)
	}

	args := p.Args(inputFile, target)
	cmd := exec.Command(p.ffmpegPath, args...)
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	logger.Debug("starting ffmpeg", logger.String("cmd", p.ffmpegPath+" "+strings.Join(args, " ")))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", errs.ErrTranscodeFailure, err)
	}
	return &ffmpegProcess{cmd: cmd, stderr: stderr, input: inputFile}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	input  string
}

func (f *ffmpegProcess) Wait() error {
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("%w: ffmpeg failed for %s: %v: %s",
			errs.ErrTranscodeFailure, f.input, err, strings.TrimSpace(f.stderr.String()))
	}
	return nil
}

func (f *ffmpegProcess) Kill() error {
	if f.cmd.Process == nil {
		return nil
	}
	err := f.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// tailBuffer 只保留最后 limit 字节
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// ffprobeOutput defines the structure for ffprobe JSON output.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration uses ffprobe to get the duration of an audio file in seconds.
func ProbeDuration(ctx context.Context, ffmpegPath, inputFile string) (float64, error) {
	ffprobePath := strings.Replace(ffmpegPath, "ffmpeg", "ffprobe", 1)

	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		inputFile,
	)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w: %s", inputFile, err, stderr.String())
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w", inputFile, err)
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output for %s", inputFile)
	}

	duration, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q for %s: %w", probeData.Format.Duration, inputFile, err)
	}
	return duration, nil
}
