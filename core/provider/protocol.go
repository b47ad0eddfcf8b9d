package provider

import (
	"encoding/json"
	"fmt"
)

// MessageType 提供者协议消息类型
type MessageType string

const (
	// 提供者 -> 服务端
	MsgTypeHello         MessageType = "hello"
	MsgTypeTrackInfo     MessageType = "track_info"
	MsgTypeUploadStart   MessageType = "upload_start"
	MsgTypeUploadEnd     MessageType = "upload_end"
	MsgTypeTrackUploaded MessageType = "track_uploaded"
	MsgTypeTrackError    MessageType = "track_error"

	// 服务端 -> 提供者
	MsgTypeRequestTrack MessageType = "request_track"

	// 服务端 -> 收听端
	MsgTypeProviderStatus MessageType = "provider_status"
)

// 关闭码
const (
	CloseUnauthorized     = 4001
	CloseModeDisabled     = 4002
	CloseInvalidSourceID  = 4003
	CloseAlreadyConnected = 4090
	CloseUploadInProgress = 4100
	CloseUploadNotStarted = 4101
)

// Inbound 提供者发来的消息, 只有下列类型
type Inbound interface {
	inbound()
}

type Hello struct {
	Token string `json:"token"`
}

type TrackInfo struct {
	RequestID   string   `json:"request_id"`
	SourceID    string   `json:"source_id"`
	SourceURL   string   `json:"source_url"`
	Title       string   `json:"title"`
	Uploader    *string  `json:"uploader,omitempty"`
	DurationSec *float64 `json:"duration_sec,omitempty"`
}

type UploadStart struct {
	SourceID string `json:"source_id"`
}

type UploadEnd struct {
	SourceID string `json:"source_id"`
}

type TrackUploaded struct {
	RequestID string `json:"request_id"`
	SourceID  string `json:"source_id"`
}

type TrackError struct {
	RequestID string `json:"request_id"`
	SourceID  string `json:"source_id"`
	Message   string `json:"message"`
}

// Unrecognized 未知类型, 忽略
type Unrecognized struct {
	Type string
}

func (Hello) inbound()         {}
func (TrackInfo) inbound()     {}
func (UploadStart) inbound()   {}
func (UploadEnd) inbound()     {}
func (TrackUploaded) inbound() {}
func (TrackError) inbound()    {}
func (Unrecognized) inbound()  {}

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeInbound 解析提供者的文本帧
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid provider message: %w", err)
	}

	var msg Inbound
	switch env.Type {
	case MsgTypeHello:
		msg = &Hello{}
	case MsgTypeTrackInfo:
		msg = &TrackInfo{}
	case MsgTypeUploadStart:
		msg = &UploadStart{}
	case MsgTypeUploadEnd:
		msg = &UploadEnd{}
	case MsgTypeTrackUploaded:
		msg = &TrackUploaded{}
	case MsgTypeTrackError:
		msg = &TrackError{}
	default:
		return Unrecognized{Type: string(env.Type)}, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return deref(msg), nil
}

func deref(m Inbound) Inbound {
	switch v := m.(type) {
	case *Hello:
		return *v
	case *TrackInfo:
		return *v
	case *UploadStart:
		return *v
	case *UploadEnd:
		return *v
	case *TrackUploaded:
		return *v
	case *TrackError:
		return *v
	}
	return m
}

// RequestTrack 服务端请求提供者下载
type RequestTrack struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	SourceID  string      `json:"source_id"`
	URL       string      `json:"url"`
}

// Status 提供者连接状态
type Status struct {
	Type      MessageType `json:"type"`
	Connected bool        `json:"connected"`
	Ready     bool        `json:"ready"`
	Mode      string      `json:"mode"`
}

// Encode 带 type 字段的出站消息
func Encode(typ MessageType, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	t, _ := json.Marshal(typ)
	fields["type"] = t
	return json.Marshal(fields)
}
