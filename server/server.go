package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"ChansonFM/config"
	"ChansonFM/core/diskcache"
	"ChansonFM/core/provider"
	"ChansonFM/logger"
	"ChansonFM/model"
	"ChansonFM/repository"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// QueueService HTTP 层用到的队列操作
type QueueService interface {
	Snapshot() []model.TrackView
	PurgeBySource(ctx context.Context, source, sourceID string) (int, error)
}

// Requester 解析点播链接并入队
type Requester interface {
	Request(ctx context.Context, input string, requestedBy *string) (*model.Track, error)
}

// PlayerService 正在播放和切歌
type PlayerService interface {
	NowPlaying() *model.TrackView
	Skip() bool
}

// ProviderService 提供者连接和上传
type ProviderService interface {
	External() bool
	Authorized(token string) bool
	Status() provider.Status
	Serve(ctx context.Context, conn *websocket.Conn)
	StoreUpload(ctx context.Context, sourceID string, body io.Reader) (int64, error)
}

// ListenerHub 收听端信令
type ListenerHub interface {
	Serve(ctx context.Context, conn *websocket.Conn)
}

// CacheLister 列出磁盘缓存
type CacheLister interface {
	List(ctx context.Context) ([]diskcache.Item, error)
}

// Deps 路由需要的服务
type Deps struct {
	Repo     repository.CatalogRepository
	Queue    QueueService
	Resolver Requester
	Player   PlayerService
	Provider ProviderService
	Hub      ListenerHub
	Cache    CacheLister
}

// Server HTTP 入口
type Server struct {
	cfg      *config.Config
	deps     Deps
	limiter  *ipRateLimiter
	upgrader websocket.Upgrader
	router   *mux.Router
	handler  http.Handler
}

// New 创建服务器并注册路由
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newIPRateLimiter(cfg.QueueRatePerMin),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	s.handler = corsMiddleware(s.router)
	return s
}

// Handler 返回带 CORS 的路由. 预检请求在路由匹配前处理.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.ListenerWSHandler)
	router.HandleFunc("/provider", s.ProviderWSHandler)

	router.HandleFunc("/api/config", s.ConfigHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/queue", s.GetQueueHandler).Methods(http.MethodGet)
	router.Handle("/api/queue", s.limiter.Middleware(http.HandlerFunc(s.PostQueueHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/now-playing", s.NowPlayingHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/skip", s.SkipHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/provider/upload/{sourceId}", s.ProviderUploadHandler).Methods(http.MethodPut)

	// 管理接口
	admin := router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/blacklist", s.GetBlacklistHandler).Methods(http.MethodGet)
	admin.HandleFunc("/blacklist", s.PostBlacklistHandler).Methods(http.MethodPost)
	admin.HandleFunc("/blacklist/{sourceId}", s.DeleteBlacklistHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/cache", s.GetCacheHandler).Methods(http.MethodGet)

	return router
}

// Run 监听端口直到 ctx 结束, 然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.handler,
		// 上传和 WebSocket 是长连接, 不设置读写超时
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
