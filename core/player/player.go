// Package player 单协程播放循环: 出队, 创建输入, 启动转码, 收尾.
package player

import (
	"context"
	"os"
	"sync"
	"time"

	"ChansonFM/core/audio"
	"ChansonFM/core/sfu"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"
)

const (
	defaultPollInterval     = 500 * time.Millisecond
	defaultWatchdogInterval = 5 * time.Second
)

// Queue 播放循环需要的队列操作
type Queue interface {
	DequeueNext(ctx context.Context, claim func(sourceID string)) (*model.QueueItem, error)
	Len() int
	SourceIDs() map[string]struct{}
}

// Publisher 接收正在播放的变化, nil 表示空闲
type Publisher interface {
	PublishNowPlaying(track *model.TrackView)
}

// Options 可调参数
type Options struct {
	PollInterval     time.Duration
	WatchdogInterval time.Duration
	Fallback         *FallbackBag
}

// Player 播放调度器
type Player struct {
	repo       repository.CatalogRepository
	queue      Queue
	engine     sfu.Engine
	transcoder audio.Transcoder
	fallback   *FallbackBag

	pollInterval     time.Duration
	watchdogInterval time.Duration

	mu         sync.Mutex
	current    *model.TrackView
	claimed    string // 已出队但输入尚未建立的曲目
	proc       audio.Process
	producerID string
	publishers []Publisher
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a new player.
func New(repo repository.CatalogRepository, queue Queue, engine sfu.Engine, transcoder audio.Transcoder, opts Options) *Player {
	p := &Player{
		repo:             repo,
		queue:            queue,
		engine:           engine,
		transcoder:       transcoder,
		fallback:         opts.Fallback,
		pollInterval:     opts.PollInterval,
		watchdogInterval: opts.WatchdogInterval,
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	if p.watchdogInterval <= 0 {
		p.watchdogInterval = defaultWatchdogInterval
	}
	return p
}

// AddPublisher 注册正在播放的订阅者, 需在 Start 之前调用
func (p *Player) AddPublisher(pub Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishers = append(p.publishers, pub)
}

// Start 启动播放循环和看门狗
func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.watchdog(ctx)
	go func() {
		defer close(p.done)
		p.loop(ctx)
	}()
	logger.Info("player started")
}

// Stop 停止循环并终止当前转码
func (p *Player) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.Skip()
	<-done
	logger.Info("player stopped")
}

// Skip 终止当前转码, 收尾由播放循环完成
func (p *Player) Skip() bool {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return false
	}
	if err := proc.Kill(); err != nil {
		logger.Warn("failed to kill transcoder", logger.ErrorField(err))
	}
	return true
}

// NowPlaying 当前曲目的副本, 空闲时为 nil
func (p *Player) NowPlaying() *model.TrackView {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	v := *p.current
	return &v
}

// NowPlayingSourceID 当前曲目的来源 ID, 包括刚出队还在准备的曲目, 空闲时为空串
func (p *Player) NowPlayingSourceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return p.claimed
	}
	return p.current.SourceID
}

func (p *Player) claim(sourceID string) {
	p.mu.Lock()
	p.claimed = sourceID
	p.mu.Unlock()
}

func (p *Player) loop(ctx context.Context) {
	for ctx.Err() == nil {
		item, err := p.queue.DequeueNext(ctx, p.claim)
		if err != nil {
			p.claim("")
			logger.Error("dequeue failed", logger.ErrorField(err))
			p.sleep(ctx)
			continue
		}
		if item != nil && item.Track != nil {
			p.play(ctx, item.Track, item.RequestedBy, model.PlaySourceManual)
			continue
		}

		// 有点播在等待下载时不播放随机曲目
		if p.fallback != nil && p.queue.Len() == 0 {
			track, err := p.fallback.Next(ctx, p.queue.SourceIDs())
			if err != nil {
				logger.Error("fallback pick failed", logger.ErrorField(err))
			} else if track != nil {
				p.claim(track.SourceID)
				p.play(ctx, track, nil, model.PlaySourceFallback)
				continue
			}
		}
		p.sleep(ctx)
	}
}

func (p *Player) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (p *Player) play(ctx context.Context, track *model.Track, requestedBy *string, source string) {
	defer p.claim("")
	if !track.HasFile() {
		logger.Error("[Player] track missing file path", logger.Int64("track_id", track.ID))
		return
	}
	path := *track.FilePath
	if _, err := os.Stat(path); err != nil {
		logger.Error("[Player] track file missing", logger.String("path", path))
		return
	}

	if id, ok := p.engine.ActiveProducer(); ok {
		p.engine.CloseProducer(id)
	}
	producer, err := p.engine.CreateProducer(ctx, sfu.DefaultCodec)
	if err != nil {
		logger.Error("failed to create producer", logger.ErrorField(err))
		p.sleep(ctx)
		return
	}

	view := track.View()
	view.RequestedBy = requestedBy
	view.IsFallback = source == model.PlaySourceFallback

	p.mu.Lock()
	p.current = &view
	p.claimed = ""
	p.producerID = producer.ID
	p.mu.Unlock()
	p.publish(&view)

	proc, err := p.transcoder.Start(path, audio.RTPTarget{
		IP:          producer.IP,
		Port:        producer.Port,
		RTCPPort:    producer.RTCPPort,
		PayloadType: sfu.DefaultCodec.PayloadType,
		SSRC:        sfu.DefaultCodec.SSRC,
	})
	if err != nil {
		logger.Error("failed to start transcoder", logger.String("path", path), logger.ErrorField(err))
		p.finish(producer.ID)
		return
	}

	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()
	if ctx.Err() != nil {
		proc.Kill()
	}

	logger.Info("[Player] now playing",
		logger.Int64("track_id", track.ID),
		logger.String("source_id", track.SourceID),
		logger.String("title", track.Title),
		logger.String("source", source))

	waitErr := proc.Wait()
	p.finish(producer.ID)

	if waitErr != nil {
		logger.Warn("transcoder exited with error", logger.ErrorField(waitErr))
	}
	// 历史写入不受取消影响
	if err := p.repo.AppendHistory(context.WithoutCancel(ctx), track.ID, requestedBy, source); err != nil {
		logger.Error("failed to append history", logger.Int64("track_id", track.ID), logger.ErrorField(err))
	}
}

func (p *Player) finish(producerID string) {
	p.mu.Lock()
	p.proc = nil
	p.current = nil
	p.producerID = ""
	p.mu.Unlock()

	p.publish(nil)
	p.engine.CloseProducer(producerID)
}

func (p *Player) publish(v *model.TrackView) {
	p.mu.Lock()
	pubs := append([]Publisher(nil), p.publishers...)
	p.mu.Unlock()
	for _, pub := range pubs {
		if v == nil {
			pub.PublishNowPlaying(nil)
			continue
		}
		c := *v
		pub.PublishNowPlaying(&c)
	}
}

// watchdog 输入长时间没有数据时关闭输入并终止转码
func (p *Player) watchdog(ctx context.Context) {
	ticker := time.NewTicker(p.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		id, proc := p.producerID, p.proc
		p.mu.Unlock()
		if id == "" {
			continue
		}
		score, err := p.engine.ProducerHealthScore(id)
		if err != nil || score > 0 {
			continue
		}
		logger.Warn("[Player] producer stalled, restarting", logger.String("producer_id", id))
		p.engine.CloseProducer(id)
		if proc != nil {
			proc.Kill()
		}
	}
}
