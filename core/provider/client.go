package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"ChansonFM/core/audio"
	"ChansonFM/logger"

	"github.com/gorilla/websocket"
)

const (
	uploadChunkSize = 256 << 10
	minBackoff      = time.Second
	maxBackoff      = 30 * time.Second
)

// ClientConfig 提供者客户端配置
type ClientConfig struct {
	BroadcasterURL string
	Token          string
}

// Client 运行在另一台机器上的提供者: 接收 request_track, 下载后通过 WebSocket 上传.
type Client struct {
	cfg       ClientConfig
	extractor audio.Extractor
	dialer    *websocket.Dialer
}

// NewClient creates a provider client.
func NewClient(cfg ClientConfig, extractor audio.Extractor) *Client {
	return &Client{
		cfg:       cfg,
		extractor: extractor,
		dialer:    websocket.DefaultDialer,
	}
}

// Endpoint 由广播服务地址得到 /provider 的 WebSocket 地址
func Endpoint(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid broadcaster url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported broadcaster url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broadcaster url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/provider"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run 连接并处理请求, 断开后按指数退避重连, 直到 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := Endpoint(c.cfg.BroadcasterURL, c.cfg.Token)
	if err != nil {
		return err
	}

	backoff := minBackoff
	for {
		start := time.Now()
		err := c.session(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Code == CloseUnauthorized || closeErr.Code == CloseModeDisabled) {
			return fmt.Errorf("broadcaster rejected provider: %w", err)
		}
		if time.Since(start) > maxBackoff {
			backoff = minBackoff
		}
		logger.Warn("[provider] disconnected, reconnecting",
			logger.ErrorField(err),
			logger.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// providerConn 串行化写入
type providerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *providerConn) send(typ MessageType, payload interface{}) error {
	data, err := Encode(typ, payload)
	if err != nil {
		return err
	}
	return p.write(websocket.TextMessage, data)
}

func (p *providerConn) write(msgType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(msgType, data)
}

func (c *Client) session(ctx context.Context, endpoint string) error {
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial broadcaster: %w", err)
	}
	pc := &providerConn{conn: conn}
	defer conn.Close()

	if err := pc.send(MsgTypeHello, Hello{Token: c.cfg.Token}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	logger.Info("[provider] connected", logger.String("url", redact(endpoint)))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		pc.mu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		pc.mu.Unlock()
		conn.Close()
	}()

	// 请求按到达顺序逐个处理
	requests := make(chan RequestTrack, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for req := range requests {
			c.handle(sessionCtx, pc, req)
		}
	}()
	defer wg.Wait()
	defer close(requests)
	defer cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var req RequestTrack
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("[provider] ignoring malformed message", logger.ErrorField(err))
			continue
		}
		if req.Type != MsgTypeRequestTrack {
			continue
		}
		select {
		case requests <- req:
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		}
	}
}

func (c *Client) handle(ctx context.Context, pc *providerConn, req RequestTrack) {
	logger.Info("[provider] request received",
		logger.String("request_id", req.RequestID),
		logger.String("source_id", req.SourceID))

	if err := c.fulfill(ctx, pc, req); err != nil {
		logger.Error("[provider] request failed", logger.String("source_id", req.SourceID), logger.ErrorField(err))
		if sendErr := pc.send(MsgTypeTrackError, TrackError{
			RequestID: req.RequestID,
			SourceID:  req.SourceID,
			Message:   err.Error(),
		}); sendErr != nil {
			logger.Warn("[provider] failed to report error", logger.ErrorField(sendErr))
		}
	}
}

func (c *Client) fulfill(ctx context.Context, pc *providerConn, req RequestTrack) error {
	info, err := c.extractor.FetchInfo(ctx, req.URL)
	if err != nil {
		return err
	}
	sourceURL := info.URL
	if sourceURL == "" {
		sourceURL = req.URL
	}
	if err := pc.send(MsgTypeTrackInfo, TrackInfo{
		RequestID:   req.RequestID,
		SourceID:    req.SourceID,
		SourceURL:   sourceURL,
		Title:       info.Title,
		Uploader:    info.Uploader,
		DurationSec: info.DurationSec,
	}); err != nil {
		return fmt.Errorf("send track_info: %w", err)
	}

	path, err := c.extractor.Download(ctx, sourceURL, req.SourceID)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	if err := c.upload(pc, req.SourceID, path); err != nil {
		return err
	}
	logger.Info("[provider] upload ok", logger.String("source_id", req.SourceID))

	return pc.send(MsgTypeTrackUploaded, TrackUploaded{RequestID: req.RequestID, SourceID: req.SourceID})
}

func (c *Client) upload(pc *providerConn, sourceID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer f.Close()

	if err := pc.send(MsgTypeUploadStart, UploadStart{SourceID: sourceID}); err != nil {
		return fmt.Errorf("send upload_start: %w", err)
	}
	buf := make([]byte, uploadChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := pc.write(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("send chunk: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read download: %w", err)
		}
	}
	if err := pc.send(MsgTypeUploadEnd, UploadEnd{SourceID: sourceID}); err != nil {
		return fmt.Errorf("send upload_end: %w", err)
	}
	return nil
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
