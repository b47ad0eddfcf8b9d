// Package sfu 单房间的选择性转发单元: 一个 RTP 输入, 多个只收不发的收听端.
package sfu

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotReady 引擎尚未初始化
	ErrNotReady = errors.New("router not ready")
	// ErrNoProducer 当前没有活动的输入
	ErrNoProducer = errors.New("no active producer")
	// ErrCannotConsume 客户端能力与输入编码不匹配
	ErrCannotConsume = errors.New("cannot consume")
	// ErrNoTransport 客户端还没有创建传输
	ErrNoTransport = errors.New("transport not found")
	// ErrUnknownProducer 输入不存在
	ErrUnknownProducer = errors.New("unknown producer")
)

// CodecConfig 转码器输出的固定编码参数
type CodecConfig struct {
	PayloadType uint8
	ClockRate   uint32
	Channels    uint16
	SSRC        uint32
}

// DefaultCodec ffmpeg 推流使用的 Opus 参数
var DefaultCodec = CodecConfig{
	PayloadType: 101,
	ClockRate:   48000,
	Channels:    2,
	SSRC:        11111111,
}

// Producer 一个 RTP 输入端点
type Producer struct {
	ID       string
	IP       string
	Port     int
	RTCPPort int
}

// ProducerEventType 输入生命周期事件
type ProducerEventType string

const (
	ProducerStarted ProducerEventType = "started"
	ProducerClosed  ProducerEventType = "closed"
)

// ProducerEvent 输入创建或关闭
type ProducerEvent struct {
	Type       ProducerEventType
	ProducerID string
}

// Engine SFU 门面
type Engine interface {
	Initialize(ctx context.Context) error
	// Capabilities 未初始化时返回 nil
	Capabilities() *RTPCapabilities
	CreateProducer(ctx context.Context, codec CodecConfig) (*Producer, error)
	CloseProducer(id string)
	ActiveProducer() (string, bool)
	CreateClientTransport(ctx context.Context, clientID string) (*TransportDescriptor, error)
	ConnectClientTransport(ctx context.Context, clientID string, dtls DTLSParameters, ice *ICEParameters) error
	Consume(ctx context.Context, clientID string, caps RTPCapabilities) (*ConsumerDescriptor, error)
	CloseClientResources(clientID string)
	// ProducerHealthScore 0 表示长时间没有收到数据
	ProducerHealthScore(id string) (int, error)
	OnProducerEvent(func(ProducerEvent))
	Close() error
}

// RTCPFeedback 编码的 RTCP 反馈
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// CodecCapability 能力中的一个编码
type CodecCapability struct {
	Kind                 string                 `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback"`
}

// HeaderExtension RTP 头扩展
type HeaderExtension struct {
	Kind             string `json:"kind,omitempty"`
	URI              string `json:"uri"`
	PreferredID      int    `json:"preferredId,omitempty"`
	PreferredEncrypt bool   `json:"preferredEncrypt,omitempty"`
	Direction        string `json:"direction,omitempty"`
}

// RTPCapabilities 路由或客户端的 RTP 能力
type RTPCapabilities struct {
	Codecs           []CodecCapability `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions"`
}

// Supports 是否包含同类型的编码
func (c RTPCapabilities) Supports(mimeType string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// ICEParameters ICE 用户名和密码
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate 本地候选地址
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSFingerprint 证书指纹
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters DTLS 角色与指纹
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportDescriptor 发给收听端的传输参数
type TransportDescriptor struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// CodecParameters 消费者使用的编码
type CodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback"`
}

// Encoding 单路编码
type Encoding struct {
	SSRC uint32 `json:"ssrc"`
}

// RTCPParameters RTCP 参数
type RTCPParameters struct {
	CNAME       string `json:"cname"`
	ReducedSize bool   `json:"reducedSize"`
}

// RTPParameters 消费者的 RTP 参数
type RTPParameters struct {
	MID              string            `json:"mid,omitempty"`
	Codecs           []CodecParameters `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions"`
	Encodings        []Encoding        `json:"encodings"`
	RTCP             RTCPParameters    `json:"rtcp"`
}

// ConsumerDescriptor 发给收听端的消费者参数
type ConsumerDescriptor struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	Kind           string        `json:"kind"`
	RTPParameters  RTPParameters `json:"rtpParameters"`
	ProducerPaused bool          `json:"producerPaused"`
}
