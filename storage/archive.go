// Package storage MinIO 冷归档: 缓存淘汰的音频先上传, 再次点播时取回.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"ChansonFM/config"
	"ChansonFM/core/audio"
	"ChansonFM/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	objectPrefix = "audio/"
	contentType  = "audio/ogg"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ObjectInfo 归档对象信息
type ObjectInfo struct {
	Key          string
	SourceID     string
	Size         int64
	LastModified time.Time
}

// Archive 封装了 MinIO 客户端
type Archive struct {
	client     *minio.Client
	bucketName string
	region     string
}

// NewArchive 创建归档客户端, 存储桶不存在时创建
func NewArchive(ctx context.Context, cfg *config.Config) (*Archive, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	a := &Archive{client: client, bucketName: cfg.MinioBucket, region: cfg.MinioRegion}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info("[Archive] MinIO ready",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("[Archive] bucket created", logger.String("bucket", a.bucketName))
	return nil
}

// ObjectKey 来源 ID 对应的对象名
func ObjectKey(sourceID string) string {
	return objectPrefix + sourceID + audio.FileExt
}

// SourceIDFromKey 从对象名取回来源 ID, 不是归档音频时返回 false
func SourceIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, objectPrefix) || !strings.HasSuffix(key, audio.FileExt) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, objectPrefix), audio.FileExt)
	return id, id != ""
}

// Archive 上传一个即将被淘汰的文件. 已存在同名对象时跳过.
func (a *Archive) Archive(ctx context.Context, sourceID, path string) error {
	key := ObjectKey(sourceID)
	if _, err := a.client.StatObject(ctx, a.bucketName, key, minio.StatObjectOptions{}); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	info, err := a.client.FPutObject(ctx, a.bucketName, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传归档失败: %w", err)
	}
	logger.Info("[Archive] archived", logger.String("key", key), logger.Int64("size", info.Size))
	return nil
}

// Restore 把归档对象下载到 destPath. 对象不存在时返回 false.
func (a *Archive) Restore(ctx context.Context, sourceID, destPath string) (bool, error) {
	key := ObjectKey(sourceID)
	if _, err := a.client.StatObject(ctx, a.bucketName, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}

	tmp := destPath + ".part"
	if err := a.client.FGetObject(ctx, a.bucketName, key, tmp, minio.GetObjectOptions{}); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("下载归档失败: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return false, err
	}
	logger.Info("[Archive] restored", logger.String("key", key), logger.String("path", destPath))
	return true, nil
}

// Delete 删除一个归档对象
func (a *Archive) Delete(ctx context.Context, sourceID string) error {
	return a.client.RemoveObject(ctx, a.bucketName, ObjectKey(sourceID), minio.RemoveObjectOptions{})
}

// List 列出归档对象及统计
func (a *Archive) List(ctx context.Context) ([]ObjectInfo, *BucketStats, error) {
	stats := &BucketStats{}
	var objects []ObjectInfo

	objectCh := a.client.ListObjects(ctx, a.bucketName, minio.ListObjectsOptions{
		Prefix:    objectPrefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		id, ok := SourceIDFromKey(object.Key)
		if !ok {
			continue
		}

		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			SourceID:     id,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	return objects, stats, nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
