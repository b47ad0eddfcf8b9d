// Package errs 定义请求和后台循环共用的错误分类.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidSource URL 或 ID 无法识别
	ErrInvalidSource = errors.New("invalid source")
	// ErrAcquisitionFailed 提取或下载工具失败, 不自动重试
	ErrAcquisitionFailed = errors.New("acquisition failed")
	// ErrProviderUnavailable 没有就绪的远程提供者
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrUnauthorized 共享令牌不匹配
	ErrUnauthorized = errors.New("unauthorized")
	// ErrResourceBusy 单例资源已被占用 (提供者连接, 上传)
	ErrResourceBusy = errors.New("resource busy")
	// ErrMissingFile 队列或播放引用的文件已不在磁盘上
	ErrMissingFile = errors.New("missing file")
	// ErrTranscodeFailure 转码进程非零退出
	ErrTranscodeFailure = errors.New("transcode failure")
	// ErrBlacklisted 来源已被屏蔽
	ErrBlacklisted = errors.New("source is blacklisted")
	// ErrEmptyUpload 上传内容为空
	ErrEmptyUpload = errors.New("empty upload")
)

// HTTPStatus 把错误映射为 HTTP 状态码, 未分类的错误为 500
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidSource), errors.Is(err, ErrEmptyUpload):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlacklisted):
		return http.StatusForbidden
	case errors.Is(err, ErrResourceBusy):
		return http.StatusConflict
	case errors.Is(err, ErrAcquisitionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMissingFile):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
