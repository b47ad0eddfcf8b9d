package cmd

import (
	"encoding/json"
	"fmt"

	"ChansonFM/cache"
	"ChansonFM/db"

	"github.com/spf13/cobra"
)

var redisWatch bool

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis 连接测试和状态查看",
	Long:  `测试 Redis 连接并进行基本读写, 然后打印服务镜像的播放状态. 使用 --watch 持续打印广播事件.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := loadConfig()
		if !cfg.RedisEnabled() {
			return fmt.Errorf("REDIS_HOST is not set")
		}
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := db.ConnectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		fmt.Println("Redis连接成功！")

		if err := db.CheckRedis(ctx, client); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		statusCache := cache.NewStatusCache(client)
		defer statusCache.Close()

		snap, err := statusCache.Snapshot(ctx)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))

		if !redisWatch {
			return nil
		}
		sub := statusCache.Subscribe(ctx)
		defer sub.Close()
		fmt.Println("等待广播事件, Ctrl+C 退出...")
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				fmt.Println(msg.Payload)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().BoolVarP(&redisWatch, "watch", "w", false, "持续打印状态事件")
}
