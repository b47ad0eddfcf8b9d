// Package source 把用户输入的 URL 或视频 ID 规范化为来源标识.
package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"ChansonFM/core/errs"
	"ChansonFM/model"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// Ref 规范化后的来源引用
type Ref struct {
	Source string
	ID     string
	URL    string
}

// ValidID 检查是否为合法的 11 位视频 ID
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// CanonicalURL 返回视频 ID 对应的标准观看地址
func CanonicalURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// Normalize 接受裸 ID、youtu.be 短链以及 youtube.com 的 watch/shorts/embed 地址
func Normalize(input string) (Ref, error) {
	trimmed := strings.TrimSpace(input)
	if ValidID(trimmed) {
		return newRef(trimmed), nil
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Ref{}, fmt.Errorf("%w: %q is not a YouTube URL or video id", errs.ErrInvalidSource, input)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	var id string
	switch {
	case host == "youtu.be":
		id = firstSegment(strings.TrimPrefix(u.Path, "/"))
	case strings.HasSuffix(host, "youtube.com"):
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = firstSegment(strings.TrimPrefix(u.Path, "/shorts/"))
		case strings.HasPrefix(u.Path, "/embed/"):
			id = firstSegment(strings.TrimPrefix(u.Path, "/embed/"))
		}
	}

	if !ValidID(id) {
		return Ref{}, fmt.Errorf("%w: no video id in %q", errs.ErrInvalidSource, input)
	}
	return newRef(id), nil
}

func newRef(id string) Ref {
	return Ref{Source: model.SourceYouTube, ID: id, URL: CanonicalURL(id)}
}

func firstSegment(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
