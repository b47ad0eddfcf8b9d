package audio

import "context"

// Info 提取工具返回的元数据
type Info struct {
	ID          string
	URL         string
	Title       string
	Uploader    *string
	DurationSec *float64
}

// Extractor 把来源 URL 变成元数据和本地音频文件
type Extractor interface {
	FetchInfo(ctx context.Context, url string) (*Info, error)
	// Download 下载并编码到 <dir>/<id>.opus, 返回文件路径
	Download(ctx context.Context, url, id string) (string, error)
}

// RTPTarget 转码输出的 RTP 目的地
type RTPTarget struct {
	IP          string
	Port        int
	RTCPPort    int
	PayloadType uint8
	SSRC        uint32
}

// Transcoder 启动实时转码进程
type Transcoder interface {
	Start(inputFile string, target RTPTarget) (Process, error)
}

// Process 正在运行的转码进程
type Process interface {
	// Wait 阻塞到进程退出, 非零退出返回错误
	Wait() error
	// Kill 强制终止, 可重复调用
	Kill() error
}
