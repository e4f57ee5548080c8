package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
)

func newAPI(peerCfg config.PeerConfig, rtcCfg *config.WebRTCConfig) (*webrtc.API, error) {
	mediaEngine, err := createMediaEngine(peerCfg, rtcCfg)
	if err != nil {
		return nil, err
	}

	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptors),
		webrtc.WithSettingEngine(rtcCfg.SettingEngine),
	), nil
}

func createMediaEngine(peerCfg config.PeerConfig, rtcCfg *config.WebRTCConfig) (*webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine, peerCfg, rtcCfg); err != nil {
		return nil, err
	}
	if err := registerHeaderExtensions(mediaEngine, rtcCfg); err != nil {
		return nil, err
	}

	return mediaEngine, nil
}

func registerCodecs(mediaEngine *webrtc.MediaEngine, peerCfg config.PeerConfig, rtcCfg *config.WebRTCConfig) error {
	for _, codec := range peerCfg.EnabledCodecs {
		switch codec.Mime {
		case webrtc.MimeTypeOpus:
			if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     codec.Mime,
					ClockRate:    48000,
					Channels:     1,
					SDPFmtpLine:  codec.FmtpLine,
					RTCPFeedback: rtcCfg.Publisher.RTCPFeedback.Audio,
				},
				PayloadType: 111,
			}, webrtc.RTPCodecTypeAudio); err != nil {
				return err
			}
		case webrtc.MimeTypeVP8:
			if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     codec.Mime,
					ClockRate:    90000,
					SDPFmtpLine:  codec.FmtpLine,
					RTCPFeedback: rtcCfg.Publisher.RTCPFeedback.Video,
				},
				PayloadType: 96,
			}, webrtc.RTPCodecTypeVideo); err != nil {
				return err
			}
		}
	}

	return nil
}

func registerHeaderExtensions(mediaEngine *webrtc.MediaEngine, rtcCfg *config.WebRTCConfig) error {
	for _, uri := range rtcCfg.Publisher.RTPHeaderExtension.Audio {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: uri},
			webrtc.RTPCodecTypeAudio,
		); err != nil {
			return err
		}
	}
	for _, uri := range rtcCfg.Publisher.RTPHeaderExtension.Video {
		if err := mediaEngine.RegisterHeaderExtension(
			webrtc.RTPHeaderExtensionCapability{URI: uri},
			webrtc.RTPCodecTypeVideo,
		); err != nil {
			return err
		}
	}

	return nil
}
