package config

import (
	"errors"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"
)

// ErrInvalidPortRange rejects an ICE port range that does not fit UDP
// port space.
var ErrInvalidPortRange = errors.New("ice port range exceeds 65535")

// DefaultStunServers is the fixed set of public STUN servers used for
// NAT traversal. There is no TURN fallback: peers behind symmetric NAT
// may fail to connect, and deployments that need a relay add their own
// entries via ICEServers.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	Signaling SignalingConfig
	Peer      PeerConfig
	RTC       RTCConfig
	Server    ServerConfig
}

// ServerConfig configures the reference signaling server.
type ServerConfig struct {
	Address string
	// AuthToken is the shared bearer token clients must present on the
	// websocket handshake. Empty disables the check.
	AuthToken string
	// RedisURL enables cross-node event fanout. Empty keeps the
	// single-node in-memory bus.
	RedisURL string
}

// SignalingConfig bounds every wait on the signaling channel.
type SignalingConfig struct {
	// ConnectTimeout bounds a single websocket dial.
	ConnectTimeout time.Duration
	// JoinTimeout bounds the wait for a join acknowledgement. On
	// timeout the join is failed but the socket stays connected.
	JoinTimeout time.Duration
	// ReconnectAttempts and ReconnectBackoff define the bounded
	// fixed-backoff reconnect policy.
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

type RTCConfig struct {
	ICEServers        []string
	ICEPortRangeStart uint32
	ICEPortRangeEnd   uint32
	// PLIInterval is how often a keyframe is requested on received
	// video tracks.
	PLIInterval time.Duration
}

type CodecSpec struct {
	Mime     string
	FmtpLine string
}

type PeerConfig struct {
	EnabledCodecs []CodecSpec
}

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	Publisher     DirectionConfig
}

type RTPHeaderExtensionConfig struct {
	Audio []string
	Video []string
}

type RTCPFeedbackConfig struct {
	Audio []webrtc.RTCPFeedback
	Video []webrtc.RTCPFeedback
}

type DirectionConfig struct {
	RTPHeaderExtension RTPHeaderExtensionConfig
	RTCPFeedback       RTCPFeedbackConfig
}

func New() *Config {
	return &Config{
		Signaling: SignalingConfig{
			ConnectTimeout:    10 * time.Second,
			JoinTimeout:       5 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBackoff:  2 * time.Second,
		},
		RTC: RTCConfig{
			ICEServers:        DefaultStunServers,
			ICEPortRangeStart: 50000,
			ICEPortRangeEnd:   60000,
			PLIInterval:       3 * time.Second,
		},
		Peer: PeerConfig{
			EnabledCodecs: []CodecSpec{
				{Mime: webrtc.MimeTypeOpus, FmtpLine: "minptime=10;useinbandfec=1"},
				{Mime: webrtc.MimeTypeVP8},
			},
		},
		Server: ServerConfig{
			Address: "0.0.0.0:8080",
		},
	}
}

// FromViper overrides the defaults with whatever the loaded viper
// instance carries. Zero values keep the default.
func FromViper(v *viper.Viper) *Config {
	conf := New()

	if d := v.GetDuration("signaling.connect_timeout"); d > 0 {
		conf.Signaling.ConnectTimeout = d
	}
	if d := v.GetDuration("signaling.join_timeout"); d > 0 {
		conf.Signaling.JoinTimeout = d
	}
	if n := v.GetInt("signaling.reconnect_attempts"); n > 0 {
		conf.Signaling.ReconnectAttempts = n
	}
	if d := v.GetDuration("signaling.reconnect_backoff"); d > 0 {
		conf.Signaling.ReconnectBackoff = d
	}
	if servers := v.GetStringSlice("rtc.ice_servers"); len(servers) > 0 {
		conf.RTC.ICEServers = servers
	}
	if start := v.GetUint32("rtc.ice_port_range_start"); start > 0 {
		conf.RTC.ICEPortRangeStart = start
	}
	if end := v.GetUint32("rtc.ice_port_range_end"); end > 0 {
		conf.RTC.ICEPortRangeEnd = end
	}
	if addr := v.GetString("server.address"); addr != "" {
		conf.Server.Address = addr
	}
	if token := v.GetString("server.auth_token"); token != "" {
		conf.Server.AuthToken = token
	}
	if u := v.GetString("server.redis_url"); u != "" {
		conf.Server.RedisURL = u
	}

	return conf
}

func NewWebRTCConfig(config *Config) (*WebRTCConfig, error) {
	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		ICEServers: []webrtc.ICEServer{
			{URLs: config.RTC.ICEServers},
		},
	}
	s := webrtc.SettingEngine{}

	networkTypes := []webrtc.NetworkType{
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	}
	if config.RTC.ICEPortRangeEnd > config.RTC.ICEPortRangeStart {
		// Checked before the uint16 casts so an oversized configured
		// port errors instead of truncating.
		if config.RTC.ICEPortRangeEnd > 65535 {
			return nil, ErrInvalidPortRange
		}
		if err := s.SetEphemeralUDPPortRange(uint16(config.RTC.ICEPortRangeStart), uint16(config.RTC.ICEPortRangeEnd)); err != nil {
			return nil, err
		}
	}
	s.SetNetworkTypes(networkTypes)

	publisherConfig := DirectionConfig{
		RTPHeaderExtension: RTPHeaderExtensionConfig{
			Audio: []string{
				sdp.SDESMidURI,
				sdp.AudioLevelURI,
			},
			Video: []string{
				sdp.SDESMidURI,
				sdp.SDESRTPStreamIDURI,
				sdp.TransportCCURI,
			},
		},
		RTCPFeedback: RTCPFeedbackConfig{
			Video: []webrtc.RTCPFeedback{
				{Type: webrtc.TypeRTCPFBGoogREMB},
				{Type: webrtc.TypeRTCPFBTransportCC},
				{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
				{Type: webrtc.TypeRTCPFBNACK},
				{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
			},
		},
	}

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Publisher:     publisherConfig,
	}, nil
}
