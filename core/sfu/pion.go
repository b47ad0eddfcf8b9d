package sfu

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ChansonFM/logger"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusPayloadType  = 111
	opusFmtp         = "minptime=10;useinbandfec=1"
	gatherTimeout    = 5 * time.Second
	producerIdleTime = 10 * time.Second
	maxRTPPacketSize = 1500
)

// PionConfig 传输层配置
type PionConfig struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
}

type pionProducer struct {
	id        string
	conn      *net.UDPConn
	track     *webrtc.TrackLocalStaticRTP
	createdAt time.Time
	lastRTP   atomic.Int64
	packets   atomic.Uint64
}

type pionClient struct {
	id         string
	transport  string
	gatherer   *webrtc.ICEGatherer
	ice        *webrtc.ICETransport
	dtls       *webrtc.DTLSTransport
	sender     *webrtc.RTPSender
	consumerID string
	producerID string
	connecting bool
}

// PionEngine 基于 pion ORTC 对象的 Engine 实现
type PionEngine struct {
	cfg PionConfig

	mu        sync.Mutex
	api       *webrtc.API
	producer  *pionProducer
	clients   map[string]*pionClient
	listeners []func(ProducerEvent)
}

// NewPionEngine creates a new pion backed engine. Initialize must be called before use.
func NewPionEngine(cfg PionConfig) *PionEngine {
	return &PionEngine{
		cfg:     cfg,
		clients: make(map[string]*pionClient),
	}
}

func (e *PionEngine) Initialize(ctx context.Context) error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(),
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register opus codec: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return fmt.Errorf("failed to register default interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if e.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if e.cfg.MinPort > 0 && e.cfg.MaxPort >= e.cfg.MinPort {
		if err := se.SetEphemeralUDPPortRange(e.cfg.MinPort, e.cfg.MaxPort); err != nil {
			return fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}
	if ip := net.ParseIP(e.cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool {
			return candidate.Equal(ip)
		})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	e.mu.Lock()
	e.api = api
	e.mu.Unlock()

	logger.Info("sfu initialized",
		logger.String("listen_ip", e.cfg.ListenIP),
		logger.String("announced_ip", e.cfg.AnnouncedIP),
		logger.Int("min_port", int(e.cfg.MinPort)),
		logger.Int("max_port", int(e.cfg.MaxPort)))
	return nil
}

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: opusFmtp,
	}
}

func (e *PionEngine) Capabilities() *RTPCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.api == nil {
		return nil
	}
	return &RTPCapabilities{
		Codecs: []CodecCapability{{
			Kind:                 "audio",
			MimeType:             webrtc.MimeTypeOpus,
			PreferredPayloadType: opusPayloadType,
			ClockRate:            48000,
			Channels:             2,
			Parameters:           map[string]interface{}{"minptime": 10, "useinbandfec": 1},
			RTCPFeedback:         []RTCPFeedback{{Type: "transport-cc"}},
		}},
		HeaderExtensions: []HeaderExtension{},
	}
}

func (e *PionEngine) OnProducerEvent(f func(ProducerEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, f)
}

func (e *PionEngine) emit(ev ProducerEvent) {
	e.mu.Lock()
	listeners := append([]func(ProducerEvent){}, e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// CreateProducer 在回环地址上打开 RTP 端口. RTCP 复用同一端口并被丢弃.
func (e *PionEngine) CreateProducer(ctx context.Context, codec CodecConfig) (*Producer, error) {
	e.mu.Lock()
	if e.api == nil {
		e.mu.Unlock()
		return nil, ErrNotReady
	}
	e.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(opusCapability(), "audio", "chansonfm")
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open rtp port: %w", err)
	}

	p := &pionProducer{
		id:        uuid.New().String(),
		conn:      conn,
		track:     track,
		createdAt: time.Now(),
	}

	e.mu.Lock()
	previous := e.producer
	e.producer = p
	e.mu.Unlock()
	if previous != nil {
		e.closeProducer(previous)
	}

	go e.ingest(p, codec)

	addr := conn.LocalAddr().(*net.UDPAddr)
	logger.Info("[SFU] producer created",
		logger.String("producer_id", p.id),
		logger.Int("port", addr.Port))
	e.emit(ProducerEvent{Type: ProducerStarted, ProducerID: p.id})

	return &Producer{ID: p.id, IP: addr.IP.String(), Port: addr.Port, RTCPPort: addr.Port}, nil
}

func (e *PionEngine) ingest(p *pionProducer, codec CodecConfig) {
	buf := make([]byte, maxRTPPacketSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		if isRTCP(buf[:n]) {
			continue
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if codec.PayloadType != 0 && pkt.PayloadType != codec.PayloadType {
			continue
		}
		p.lastRTP.Store(time.Now().UnixNano())
		p.packets.Add(1)
		if err := p.track.WriteRTP(pkt); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("rtp forward failed", logger.ErrorField(err))
		}
	}
}

// isRTCP RTCP 包类型在 192..223 之间
func isRTCP(pkt []byte) bool {
	return len(pkt) >= 2 && pkt[1] >= 192 && pkt[1] <= 223
}

func (e *PionEngine) CloseProducer(id string) {
	e.mu.Lock()
	p := e.producer
	if p == nil || p.id != id {
		e.mu.Unlock()
		return
	}
	e.producer = nil
	e.mu.Unlock()
	e.closeProducer(p)
}

// closeProducer 关闭端口和绑定在该输入上的消费者
func (e *PionEngine) closeProducer(p *pionProducer) {
	p.conn.Close()

	e.mu.Lock()
	var senders []*webrtc.RTPSender
	for _, c := range e.clients {
		if c.producerID == p.id && c.sender != nil {
			senders = append(senders, c.sender)
			c.sender = nil
			c.consumerID = ""
			c.producerID = ""
		}
	}
	e.mu.Unlock()

	for _, s := range senders {
		s.Stop()
	}
	logger.Info("[SFU] producer closed",
		logger.String("producer_id", p.id),
		logger.Uint64("packets", p.packets.Load()))
	e.emit(ProducerEvent{Type: ProducerClosed, ProducerID: p.id})
}

func (e *PionEngine) ActiveProducer() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.producer == nil {
		return "", false
	}
	return e.producer.id, true
}

func (e *PionEngine) ProducerHealthScore(id string) (int, error) {
	e.mu.Lock()
	p := e.producer
	e.mu.Unlock()
	if p == nil || p.id != id {
		return 0, ErrUnknownProducer
	}
	return healthScore(p.createdAt, p.lastRTP.Load(), time.Now()), nil
}

// healthScore 以最后一次收到 RTP (或创建时间) 为准, 超过空闲阈值为 0
func healthScore(createdAt time.Time, lastRTPNano int64, now time.Time) int {
	last := createdAt
	if lastRTPNano > 0 {
		if t := time.Unix(0, lastRTPNano); t.After(last) {
			last = t
		}
	}
	if now.Sub(last) > producerIdleTime {
		return 0
	}
	return 10
}

func (e *PionEngine) CreateClientTransport(ctx context.Context, clientID string) (*TransportDescriptor, error) {
	e.mu.Lock()
	api := e.api
	e.mu.Unlock()
	if api == nil {
		return nil, ErrNotReady
	}

	// 重新创建时释放旧的传输
	e.CloseClientResources(clientID)

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	select {
	case <-gathered:
	case <-time.After(gatherTimeout):
		logger.Warn("ice gathering timed out", logger.String("client_id", clientID))
	case <-ctx.Done():
		gatherer.Close()
		return nil, ctx.Err()
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to read ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to read ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("failed to read dtls parameters: %w", err)
	}

	c := &pionClient{
		id:        clientID,
		transport: uuid.New().String(),
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}
	e.mu.Lock()
	e.clients[clientID] = c
	e.mu.Unlock()

	desc := &TransportDescriptor{
		ID: c.transport,
		ICEParameters: ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          iceParams.ICELite,
		},
		ICECandidates: make([]ICECandidate, 0, len(candidates)),
		DTLSParameters: DTLSParameters{
			Role: "auto",
		},
	}
	for _, cand := range candidates {
		desc.ICECandidates = append(desc.ICECandidates, ICECandidate{
			Foundation: cand.Foundation,
			Priority:   cand.Priority,
			IP:         cand.Address,
			Address:    cand.Address,
			Protocol:   cand.Protocol.String(),
			Port:       cand.Port,
			Type:       cand.Typ.String(),
			TCPType:    cand.TCPType,
		})
	}
	for _, fp := range dtlsParams.Fingerprints {
		desc.DTLSParameters.Fingerprints = append(desc.DTLSParameters.Fingerprints, DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	return desc, nil
}

// ConnectClientTransport 校验参数后在后台完成 ICE 和 DTLS 握手
func (e *PionEngine) ConnectClientTransport(ctx context.Context, clientID string, dtlsParams DTLSParameters, iceParams *ICEParameters) error {
	if len(dtlsParams.Fingerprints) == 0 {
		return errors.New("dtls fingerprints required")
	}

	e.mu.Lock()
	c, ok := e.clients[clientID]
	if !ok {
		e.mu.Unlock()
		return ErrNoTransport
	}
	if c.connecting {
		e.mu.Unlock()
		return errors.New("transport already connecting")
	}
	c.connecting = true
	e.mu.Unlock()

	remoteDTLS := webrtc.DTLSParameters{Role: dtlsRole(dtlsParams.Role)}
	for _, fp := range dtlsParams.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fp.Algorithm,
			Value:     fp.Value,
		})
	}
	var remoteICE webrtc.ICEParameters
	if iceParams != nil {
		remoteICE = webrtc.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          iceParams.ICELite,
		}
	}

	go func() {
		role := webrtc.ICERoleControlled
		if err := c.ice.Start(nil, remoteICE, &role); err != nil {
			logger.Warn("ice start failed", logger.String("client_id", clientID), logger.ErrorField(err))
			return
		}
		if err := c.dtls.Start(remoteDTLS); err != nil {
			logger.Warn("dtls start failed", logger.String("client_id", clientID), logger.ErrorField(err))
			return
		}
		logger.Debug("client transport connected", logger.String("client_id", clientID))
	}()
	return nil
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func (e *PionEngine) Consume(ctx context.Context, clientID string, caps RTPCapabilities) (*ConsumerDescriptor, error) {
	e.mu.Lock()
	api := e.api
	p := e.producer
	c, ok := e.clients[clientID]
	e.mu.Unlock()

	if api == nil {
		return nil, ErrNotReady
	}
	if p == nil {
		return nil, ErrNoProducer
	}
	if !caps.Supports(webrtc.MimeTypeOpus) {
		return nil, ErrCannotConsume
	}
	if !ok {
		return nil, ErrNoTransport
	}

	// 校验通过后才替换旧的发送端, 失败的请求不影响已有消费
	e.mu.Lock()
	previous := c.sender
	c.sender = nil
	e.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}

	sender, err := api.NewRTPSender(p.track, c.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}
	ssrc := rand.Uint32()
	err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: opusPayloadType,
			},
		}},
	})
	if err != nil {
		sender.Stop()
		return nil, fmt.Errorf("failed to start rtp sender: %w", err)
	}

	// 读取 RTCP 让拦截器工作
	go func() {
		buf := make([]byte, maxRTPPacketSize)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	consumerID := uuid.New().String()
	e.mu.Lock()
	c.sender = sender
	c.consumerID = consumerID
	c.producerID = p.id
	e.mu.Unlock()

	return &ConsumerDescriptor{
		ID:         consumerID,
		ProducerID: p.id,
		Kind:       "audio",
		RTPParameters: RTPParameters{
			MID: "0",
			Codecs: []CodecParameters{{
				MimeType:     webrtc.MimeTypeOpus,
				PayloadType:  opusPayloadType,
				ClockRate:    48000,
				Channels:     2,
				Parameters:   map[string]interface{}{"minptime": 10, "useinbandfec": 1},
				RTCPFeedback: []RTCPFeedback{},
			}},
			HeaderExtensions: []HeaderExtension{},
			Encodings:        []Encoding{{SSRC: ssrc}},
			RTCP:             RTCPParameters{CNAME: "chansonfm", ReducedSize: true},
		},
		ProducerPaused: false,
	}, nil
}

func (e *PionEngine) CloseClientResources(clientID string) {
	e.mu.Lock()
	c, ok := e.clients[clientID]
	delete(e.clients, clientID)
	e.mu.Unlock()
	if !ok {
		return
	}

	if c.sender != nil {
		c.sender.Stop()
	}
	if err := c.dtls.Stop(); err != nil {
		logger.Debug("dtls stop", logger.ErrorField(err))
	}
	if err := c.ice.Stop(); err != nil {
		logger.Debug("ice stop", logger.ErrorField(err))
	}
	c.gatherer.Close()
}

// Close 关闭所有客户端和输入
func (e *PionEngine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.clients))
	for id := range e.clients {
		ids = append(ids, id)
	}
	p := e.producer
	e.producer = nil
	e.mu.Unlock()

	for _, id := range ids {
		e.CloseClientResources(id)
	}
	if p != nil {
		e.closeProducer(p)
	}
	return nil
}
