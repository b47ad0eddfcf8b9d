package cmd

import (
	"fmt"
	"time"

	"ChansonFM/core/diskcache"
	"ChansonFM/db"
	"ChansonFM/repository"
	"ChansonFM/storage"

	"github.com/spf13/cobra"
)

var cachePrune bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "查看或淘汰下载目录中的音频缓存",
	Long:  `列出 DOWNLOAD_DIR 中的音频文件及其曲目信息; 使用 --prune 按 CACHE_MAX_BYTES 淘汰最旧的文件, 队列中的曲目不会被删除.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := loadConfig()

		gdb, err := db.Open(cfg)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		repo := repository.NewGormCatalogRepository(gdb)

		var manager *diskcache.Manager
		if cfg.ArchiveEnabled() && cachePrune {
			archive, err := storage.NewArchive(ctx, cfg)
			if err != nil {
				return err
			}
			manager = diskcache.NewManager(cfg.DownloadDir, repo, archive)
		} else {
			manager = diskcache.NewManager(cfg.DownloadDir, repo, nil)
		}

		if cachePrune {
			protected := map[string]struct{}{}
			items, err := repo.ListQueue(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				if item.Track != nil {
					protected[item.Track.SourceID] = struct{}{}
				}
			}
			result, err := manager.Prune(ctx, cfg.CacheMaxBytes, protected)
			if err != nil {
				return err
			}
			fmt.Printf("淘汰完成: %s -> %s, 删除 %d 个文件\n",
				storage.FormatSize(result.TotalBefore), storage.FormatSize(result.TotalAfter), len(result.Deleted))
			for _, id := range result.Deleted {
				fmt.Printf("  - %s\n", id)
			}
			return nil
		}

		items, err := manager.List(ctx)
		if err != nil {
			return err
		}
		var total int64
		fmt.Printf("缓存目录: %s\n", manager.Dir())
		for _, item := range items {
			total += item.SizeBytes
			flag := ""
			if item.Blacklisted {
				flag = " [blacklisted]"
			}
			fmt.Printf("%-12s %10s  %s  %s%s\n",
				item.SourceID,
				storage.FormatSize(item.SizeBytes),
				time.UnixMilli(item.MtimeMs).Format("2006-01-02 15:04:05"),
				item.Title,
				flag)
		}
		fmt.Printf("\n共 %d 个文件, %s / %s\n", len(items), storage.FormatSize(total), storage.FormatSize(cfg.CacheMaxBytes))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.Flags().BoolVar(&cachePrune, "prune", false, "按 CACHE_MAX_BYTES 淘汰缓存")
	cacheCmd.Example = `  # 列出缓存
  chansonfm cache

  # 淘汰超出上限的旧文件 (配置了 MinIO 时先归档)
  chansonfm cache --prune`
}
