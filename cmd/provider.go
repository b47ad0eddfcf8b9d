package cmd

import (
	"fmt"
	"os"

	"ChansonFM/core/audio"
	"ChansonFM/core/provider"
	"ChansonFM/logger"

	"github.com/spf13/cobra"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "以远程提供者身份连接广播服务",
	Long: `连接 BROADCASTER_URL 的 /provider 接口, 按顺序处理下载请求:
yt-dlp 读取元数据和音频后通过 WebSocket 上传给广播服务. 断线后自动重连.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.BroadcasterURL == "" || cfg.ProviderToken == "" {
			return fmt.Errorf("BROADCASTER_URL and PROVIDER_TOKEN are required")
		}
		if err := os.MkdirAll(cfg.ProviderDownloadDir, 0755); err != nil {
			return fmt.Errorf("failed to create provider download dir: %w", err)
		}

		logger.Info("[provider] starting",
			logger.String("broadcaster", cfg.BroadcasterURL),
			logger.String("download_dir", cfg.ProviderDownloadDir))

		client := provider.NewClient(provider.ClientConfig{
			BroadcasterURL: cfg.BroadcasterURL,
			Token:          cfg.ProviderToken,
		}, audio.NewYtDlp(cfg.YtDlpPath, cfg.ProviderDownloadDir, cfg.AudioQuality))
		return client.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(providerCmd)
}
