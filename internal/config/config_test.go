package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	conf := New()

	assert.Equal(t, 10*time.Second, conf.Signaling.ConnectTimeout)
	assert.Equal(t, 5*time.Second, conf.Signaling.JoinTimeout)
	assert.Equal(t, 3, conf.Signaling.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, conf.Signaling.ReconnectBackoff)
	assert.Equal(t, DefaultStunServers, conf.RTC.ICEServers)
	assert.Len(t, conf.Peer.EnabledCodecs, 2)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	v.Set("signaling.join_timeout", "1s")
	v.Set("signaling.reconnect_attempts", 5)
	v.Set("rtc.ice_servers", []string{"stun:stun.example.com:3478"})
	v.Set("server.address", ":9000")
	v.Set("server.auth_token", "secret")

	conf := FromViper(v)

	assert.Equal(t, time.Second, conf.Signaling.JoinTimeout)
	assert.Equal(t, 5, conf.Signaling.ReconnectAttempts)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, conf.RTC.ICEServers)
	assert.Equal(t, ":9000", conf.Server.Address)
	assert.Equal(t, "secret", conf.Server.AuthToken)

	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, conf.Signaling.ConnectTimeout)
}

func TestNewWebRTCConfig(t *testing.T) {
	conf := New()

	rtcConf, err := NewWebRTCConfig(conf)
	require.NoError(t, err)

	require.Len(t, rtcConf.Configuration.ICEServers, 1)
	assert.Equal(t, DefaultStunServers, rtcConf.Configuration.ICEServers[0].URLs)
	assert.NotEmpty(t, rtcConf.Publisher.RTPHeaderExtension.Audio)
	assert.NotEmpty(t, rtcConf.Publisher.RTCPFeedback.Video)
}

func TestNewWebRTCConfigRejectsOversizedPortRange(t *testing.T) {
	conf := New()
	conf.RTC.ICEPortRangeStart = 50000
	conf.RTC.ICEPortRangeEnd = 70000

	_, err := NewWebRTCConfig(conf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPortRange)
}
