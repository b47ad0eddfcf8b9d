// Package cache redis 中的电台状态镜像, 供外部面板读取和订阅.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ChansonFM/core/provider"
	"ChansonFM/logger"
	"ChansonFM/model"

	"github.com/redis/go-redis/v9"
)

const (
	nowPlayingKey  = "chansonfm:now_playing" // String: TrackView JSON, 空闲时删除
	queueKey       = "chansonfm:queue"       // String: []TrackView JSON
	listenersKey   = "chansonfm:listeners"   // String: 在线人数
	providerKey    = "chansonfm:provider"    // Hash: connected/ready/mode
	eventsChannel  = "chansonfm:events"      // Pub/Sub: 与收听端相同的广播消息
	statusTTL      = 24 * time.Hour
	writeTimeout   = 3 * time.Second
	writeQueueSize = 64
)

// StatusSnapshot 从 redis 读回的状态
type StatusSnapshot struct {
	NowPlaying *model.TrackView `json:"now_playing"`
	Queue      []model.TrackView `json:"queue"`
	Listeners  int               `json:"listeners"`
	Provider   provider.Status   `json:"provider"`
}

// StatusCache 异步把状态写入 redis. 写入失败只记录日志, 不影响播放.
type StatusCache struct {
	client *redis.Client
	writes chan func(ctx context.Context) error

	// mu 保护 closed, 关闭后不再向 writes 发送
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewStatusCache 创建状态缓存并启动写入协程
func NewStatusCache(client *redis.Client) *StatusCache {
	c := &StatusCache{
		client: client,
		writes: make(chan func(ctx context.Context) error, writeQueueSize),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *StatusCache) run() {
	defer close(c.done)
	for write := range c.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := write(ctx); err != nil {
			logger.Warn("[StatusCache] redis write failed", logger.ErrorField(err))
		}
		cancel()
	}
}

// Close 写完已排队的数据后返回
func (c *StatusCache) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.writes)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *StatusCache) submit(write func(ctx context.Context) error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		// Close 之后的发布直接丢弃
		return
	}
	select {
	case c.writes <- write:
	default:
		logger.Warn("[StatusCache] write queue full, dropping update")
	}
}

func (c *StatusCache) publishEvent(ctx context.Context, pipe redis.Pipeliner, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe.Publish(ctx, eventsChannel, data)
	return nil
}

// PublishQueue 写入队列快照
func (c *StatusCache) PublishQueue(queue []model.TrackView) {
	if queue == nil {
		queue = []model.TrackView{}
	}
	c.submit(func(ctx context.Context) error {
		data, err := json.Marshal(queue)
		if err != nil {
			return fmt.Errorf("failed to marshal queue: %w", err)
		}
		pipe := c.client.Pipeline()
		pipe.Set(ctx, queueKey, data, statusTTL)
		if err := c.publishEvent(ctx, pipe, map[string]interface{}{"type": "queue_update", "queue": queue}); err != nil {
			return err
		}
		_, err = pipe.Exec(ctx)
		return err
	})
}

// PublishNowPlaying 写入正在播放, nil 时删除键
func (c *StatusCache) PublishNowPlaying(track *model.TrackView) {
	c.submit(func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		if track == nil {
			pipe.Del(ctx, nowPlayingKey)
		} else {
			data, err := json.Marshal(track)
			if err != nil {
				return fmt.Errorf("failed to marshal track: %w", err)
			}
			pipe.Set(ctx, nowPlayingKey, data, statusTTL)
		}
		if err := c.publishEvent(ctx, pipe, map[string]interface{}{"type": "now_playing", "track": track}); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// PublishProviderStatus 写入提供者状态
func (c *StatusCache) PublishProviderStatus(status provider.Status) {
	c.submit(func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.HSet(ctx, providerKey,
			"connected", strconv.FormatBool(status.Connected),
			"ready", strconv.FormatBool(status.Ready),
			"mode", status.Mode)
		pipe.Expire(ctx, providerKey, statusTTL)
		if err := c.publishEvent(ctx, pipe, status); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// SetListenerCount 写入在线人数
func (c *StatusCache) SetListenerCount(count int) {
	c.submit(func(ctx context.Context) error {
		pipe := c.client.Pipeline()
		pipe.Set(ctx, listenersKey, count, statusTTL)
		if err := c.publishEvent(ctx, pipe, map[string]interface{}{"type": "client_count", "count": count}); err != nil {
			return err
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Snapshot 读取当前镜像的状态
func (c *StatusCache) Snapshot(ctx context.Context) (*StatusSnapshot, error) {
	snap := &StatusSnapshot{Queue: []model.TrackView{}}

	data, err := c.client.Get(ctx, nowPlayingKey).Bytes()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, err
	default:
		var track model.TrackView
		if err := json.Unmarshal(data, &track); err != nil {
			return nil, fmt.Errorf("failed to unmarshal now playing: %w", err)
		}
		snap.NowPlaying = &track
	}

	data, err = c.client.Get(ctx, queueKey).Bytes()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, &snap.Queue); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
		}
	}

	count, err := c.client.Get(ctx, listenersKey).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	snap.Listeners = count

	fields, err := c.client.HGetAll(ctx, providerKey).Result()
	if err != nil {
		return nil, err
	}
	snap.Provider = provider.Status{
		Type:      provider.MsgTypeProviderStatus,
		Connected: fields["connected"] == "true",
		Ready:     fields["ready"] == "true",
		Mode:      fields["mode"],
	}
	return snap, nil
}

// Subscribe 订阅状态事件, 用于 redis 子命令观察广播
func (c *StatusCache) Subscribe(ctx context.Context) *redis.PubSub {
	return c.client.Subscribe(ctx, eventsChannel)
}
