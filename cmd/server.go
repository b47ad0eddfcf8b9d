package cmd

import (
	"context"
	"fmt"
	"os"

	"ChansonFM/cache"
	"ChansonFM/core/audio"
	"ChansonFM/core/diskcache"
	"ChansonFM/core/player"
	"ChansonFM/core/provider"
	"ChansonFM/core/queue"
	"ChansonFM/core/resolver"
	"ChansonFM/core/sfu"
	"ChansonFM/core/signaling"
	"ChansonFM/db"
	"ChansonFM/logger"
	"ChansonFM/repository"
	"ChansonFM/server"
	"ChansonFM/storage"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动电台服务",
	Long:  `启动 ChansonFM 广播服务: HTTP 接口, 收听端信令, 提供者连接和播放循环`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	logger.Info("Starting ChansonFM server...",
		logger.Int("port", cfg.Port),
		logger.String("provider_mode", cfg.ProviderMode),
		logger.String("db_driver", cfg.DBDriver))

	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	gdb, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	repo := repository.NewGormCatalogRepository(gdb)

	// 可选: MinIO 冷归档
	var archive *storage.Archive
	if cfg.ArchiveEnabled() {
		archive, err = storage.NewArchive(ctx, cfg)
		if err != nil {
			logger.Warn("MinIO 归档不可用, 继续运行", logger.ErrorField(err))
			archive = nil
		}
	}

	queueManager := queue.NewManager(repo)
	var cacheManager *diskcache.Manager
	if archive != nil {
		cacheManager = diskcache.NewManager(cfg.DownloadDir, repo, archive)
	} else {
		cacheManager = diskcache.NewManager(cfg.DownloadDir, repo, nil)
	}

	engine := sfu.NewPionEngine(sfu.PionConfig{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: cfg.AnnouncedIP,
		MinPort:     uint16(cfg.RTCMinPort),
		MaxPort:     uint16(cfg.RTCMaxPort),
	})
	if err := engine.Initialize(ctx); err != nil {
		logger.Fatal("SFU 初始化失败", logger.ErrorField(err))
	}
	defer engine.Close()

	var p *player.Player
	bridge := provider.NewBridge(provider.Config{
		Token:         cfg.ProviderToken,
		External:      cfg.ExternalProvider(),
		DownloadDir:   cfg.DownloadDir,
		CacheMaxBytes: cfg.CacheMaxBytes,
	}, repo, queueManager, cacheManager, func() string {
		return p.NowPlayingSourceID()
	})

	opts := resolver.Options{
		Provider: bridge,
		Prober: func(ctx context.Context, path string) (float64, error) {
			return audio.ProbeDuration(ctx, cfg.FFmpegPath, path)
		},
	}
	if archive != nil {
		opts.Restorer = archive
	}
	res := resolver.New(repo,
		audio.NewYtDlp(cfg.YtDlpPath, cfg.DownloadDir, cfg.AudioQuality),
		queueManager, cfg.DownloadDir, cfg.ExternalProvider(), opts)

	fallback := player.NewFallbackBag(repo, cfg.DownloadDir)
	go func() {
		if err := fallback.Watch(ctx); err != nil {
			logger.Warn("[Fallback] 目录监听失败, 依赖播放前检查", logger.ErrorField(err))
		}
	}()

	p = player.New(repo, queueManager, engine, audio.NewFFmpegTranscoder(cfg.FFmpegPath), player.Options{
		Fallback: fallback,
	})

	hub := signaling.NewHub(engine, queueManager, p, bridge)
	queueManager.AddPublisher(hub)
	p.AddPublisher(hub)
	bridge.OnStatus(hub.PublishProviderStatus)
	engine.OnProducerEvent(hub.PublishProducerEvent)

	// 可选: Redis 状态镜像
	if cfg.RedisEnabled() {
		client, err := db.ConnectRedis(ctx, cfg)
		if err != nil {
			logger.Warn("Redis 不可用, 不镜像播放状态", logger.ErrorField(err))
		} else {
			statusCache := cache.NewStatusCache(client)
			defer func() {
				statusCache.Close()
				client.Close()
			}()
			queueManager.AddPublisher(statusCache)
			p.AddPublisher(statusCache)
			bridge.OnStatus(statusCache.PublishProviderStatus)
			hub.OnClientCount(statusCache.SetListenerCount)
			statusCache.PublishProviderStatus(bridge.Status())
		}
	}

	if err := queueManager.Load(ctx); err != nil {
		return err
	}
	logger.Info("队列已恢复", logger.Int("length", queueManager.Len()))

	p.Start(ctx)
	defer p.Stop()
	defer hub.Close()

	srv := server.New(cfg, server.Deps{
		Repo:     repo,
		Queue:    queueManager,
		Resolver: res,
		Player:   p,
		Provider: bridge,
		Hub:      hub,
		Cache:    cacheManager,
	})
	return srv.Run(ctx)
}
