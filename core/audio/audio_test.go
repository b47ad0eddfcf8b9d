package audio

import (
	"strings"
	"testing"

	"ChansonFM/core/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscoderArgs(t *testing.T) {
	tr := NewFFmpegTranscoder("ffmpeg")
	args := tr.Args("/cache/abc.opus", RTPTarget{
		IP: "127.0.0.1", Port: 40000, RTCPPort: 40000, PayloadType: 101, SSRC: 11111111,
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-re -i /cache/abc.opus")
	assert.Contains(t, joined, "-c:a libopus -ar 48000 -ac 2")
	assert.Contains(t, joined, "-ssrc 11111111 -payload_type 101")
	assert.Equal(t, "rtp://127.0.0.1:40000?rtcpport=40000", args[len(args)-1])
}

func TestTranscoderMissingInput(t *testing.T) {
	_, err := NewFFmpegTranscoder("ffmpeg").Start("/definitely/not/here.opus", RTPTarget{})
	assert.ErrorIs(t, err, errs.ErrMissingFile)
}

func TestParseInfoUploaderFallback(t *testing.T) {
	info, err := parseInfo([]byte(`{"id":"dQw4w9WgXcQ","title":"Song","channel":"Chan","duration":213}`), "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)

	assert.Equal(t, "dQw4w9WgXcQ", info.ID)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", info.URL)
	require.NotNil(t, info.Uploader)
	assert.Equal(t, "Chan", *info.Uploader)
	require.NotNil(t, info.DurationSec)
	assert.Equal(t, 213.0, *info.DurationSec)
}

func TestParseInfoInvalid(t *testing.T) {
	_, err := parseInfo([]byte("WARNING: nope"), "u")
	assert.ErrorIs(t, err, errs.ErrAcquisitionFailed)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 5}
	b.Write([]byte("hello "))
	b.Write([]byte("world"))
	assert.Equal(t, "world", b.String())
}

func TestCachePath(t *testing.T) {
	assert.Equal(t, "/dl/abc.opus", CachePath("/dl", "abc"))
}
