package signaling

import (
	"encoding/json"

	"ChansonFM/core/sfu"
	"ChansonFM/model"
)

// MessageType 收听端协议的消息类型
type MessageType string

const (
	// 收听端 -> 服务端
	MsgTypeGetRTPCapabilities MessageType = "get_rtp_capabilities"
	MsgTypeCreateTransport    MessageType = "create_transport"
	MsgTypeConnectTransport   MessageType = "connect_transport"
	MsgTypeConsume            MessageType = "consume"

	// 服务端 -> 收听端
	MsgTypeWelcome            MessageType = "welcome"
	MsgTypeRTPCapabilities    MessageType = "rtp_capabilities"
	MsgTypeTransportCreated   MessageType = "transport_created"
	MsgTypeTransportConnected MessageType = "transport_connected"
	MsgTypeConsumed           MessageType = "consumed"
	MsgTypeError              MessageType = "error"
	MsgTypeClientCount        MessageType = "client_count"
	MsgTypeQueueUpdate        MessageType = "queue_update"
	MsgTypeNowPlaying         MessageType = "now_playing"
	MsgTypeProducerStarted    MessageType = "producer_started"
	MsgTypeProducerClosed     MessageType = "producer_closed"
)

// 返回给收听端的错误文本
const (
	errTextRouterNotReady   = "Router not ready"
	errTextCreateTransport  = "Failed to create transport"
	errTextConnectTransport = "Failed to connect transport"
	errTextNoProducer       = "No active producer"
	errTextCannotConsume    = "Cannot consume"
	errTextConsume          = "Failed to consume"
	errTextInvalidJSON      = "Invalid JSON"
	errTextUnknownType      = "Unknown message type"
)

// Inbound 收听端发来的消息, 封闭联合
type Inbound interface {
	inbound()
}

// GetRTPCapabilities 请求路由能力
type GetRTPCapabilities struct{}

// CreateTransport 请求创建接收传输
type CreateTransport struct{}

// ConnectTransport 提交客户端 DTLS 参数. mediasoup-client 不发送 ICE 参数, 可选.
type ConnectTransport struct {
	DTLSParameters sfu.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *sfu.ICEParameters `json:"iceParameters,omitempty"`
}

// Consume 用客户端能力订阅当前输入
type Consume struct {
	RTPCapabilities sfu.RTPCapabilities `json:"rtpCapabilities"`
}

// Unrecognized 无法识别的消息类型
type Unrecognized struct {
	Type string
}

func (GetRTPCapabilities) inbound() {}
func (CreateTransport) inbound()    {}
func (ConnectTransport) inbound()   {}
func (Consume) inbound()            {}
func (Unrecognized) inbound()       {}

// DecodeInbound 解析一条文本消息. JSON 不合法时返回错误.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch MessageType(head.Type) {
	case MsgTypeGetRTPCapabilities:
		return GetRTPCapabilities{}, nil
	case MsgTypeCreateTransport:
		return CreateTransport{}, nil
	case MsgTypeConnectTransport:
		var m ConnectTransport
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case MsgTypeConsume:
		var m Consume
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return Unrecognized{Type: head.Type}, nil
	}
}

// 服务端消息

type welcomeMsg struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type capabilitiesMsg struct {
	Type         MessageType          `json:"type"`
	Capabilities *sfu.RTPCapabilities `json:"capabilities"`
}

type transportCreatedMsg struct {
	Type   MessageType              `json:"type"`
	Params *sfu.TransportDescriptor `json:"params"`
}

type consumedMsg struct {
	Type   MessageType             `json:"type"`
	Params *sfu.ConsumerDescriptor `json:"params"`
}

type typeOnlyMsg struct {
	Type MessageType `json:"type"`
}

type errorMsg struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type clientCountMsg struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
}

type queueUpdateMsg struct {
	Type  MessageType       `json:"type"`
	Queue []model.TrackView `json:"queue"`
}

type nowPlayingMsg struct {
	Type  MessageType      `json:"type"`
	Track *model.TrackView `json:"track"`
}

type producerMsg struct {
	Type       MessageType `json:"type"`
	ProducerID string      `json:"producerId"`
}

func queueUpdate(queue []model.TrackView) queueUpdateMsg {
	if queue == nil {
		queue = []model.TrackView{}
	}
	return queueUpdateMsg{Type: MsgTypeQueueUpdate, Queue: queue}
}
