package cmd

import (
	"fmt"

	"ChansonFM/storage"

	"github.com/spf13/cobra"
)

var (
	archiveStats  bool
	archiveDelete string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "MinIO 冷归档管理",
	Long:  `查看和管理被淘汰音频的 MinIO 归档: 列出对象, 查看统计信息, 删除指定来源的归档.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := loadConfig()
		if !cfg.ArchiveEnabled() {
			return fmt.Errorf("MINIO_ENDPOINT is not set")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		archive, err := storage.NewArchive(ctx, cfg)
		if err != nil {
			return err
		}

		if archiveDelete != "" {
			if err := archive.Delete(ctx, archiveDelete); err != nil {
				return fmt.Errorf("删除归档失败: %w", err)
			}
			fmt.Printf("已删除 %s\n", storage.ObjectKey(archiveDelete))
			return nil
		}

		objects, stats, err := archive.List(ctx)
		if err != nil {
			return err
		}
		if archiveStats {
			fmt.Printf("对象数量: %d\n", stats.TotalObjects)
			fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
			if stats.TotalObjects > 0 {
				fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			return nil
		}
		for _, obj := range objects {
			fmt.Printf("%-12s %10s  %s\n",
				obj.SourceID,
				storage.FormatSize(obj.Size),
				obj.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n共 %d 个对象\n", len(objects))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().BoolVarP(&archiveStats, "stats", "s", false, "显示存储桶统计信息")
	archiveCmd.Flags().StringVarP(&archiveDelete, "delete", "d", "", "删除指定来源 ID 的归档")
	archiveCmd.Example = `  # 列出归档
  chansonfm archive

  # 统计信息
  chansonfm archive -s

  # 删除一个归档
  chansonfm archive -d dQw4w9WgXcQ`
}
