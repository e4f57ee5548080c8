package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/media"
	"github.com/Charlaton-app/charlaton-rtc/internal/meeting"
	"github.com/Charlaton-app/charlaton-rtc/internal/rtc"
	"github.com/Charlaton-app/charlaton-rtc/internal/signaling"
)

func main() {
	app := &cli.App{
		Name:        "meshclient",
		Usage:       "Headless mesh meeting client",
		Description: "Joins a room, publishes media from files or synthetic sources and records what every peer sends",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "endpoint",
				Usage:    "signaling websocket URL, example: ws://localhost:8080/ws",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "room",
				Usage:    "room to join",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "user-id",
				Usage: "participant id, random when omitted",
			},
			&cli.StringFlag{
				Name:  "display-name",
				Usage: "name shown to other participants",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token for the signaling server",
				EnvVars: []string{"CHARLATON_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "audio-file",
				Usage: "Ogg/Opus file published as microphone, silence when omitted",
			},
			&cli.StringFlag{
				Name:  "video-file",
				Usage: "IVF/VP8 file published as camera, synthetic frames when omitted",
			},
			&cli.BoolFlag{
				Name:  "mic",
				Usage: "start with microphone enabled",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "camera",
				Usage: "start with camera enabled",
			},
			&cli.StringFlag{
				Name:  "out-dir",
				Usage: "directory for received media recordings",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a config file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func run(c *cli.Context) error {
	initLogger(core.Environment(c.String("env")))

	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	localID := core.ParticipantID(c.String("user-id"))
	if localID == "" {
		localID = core.ParticipantID(uuid.NewString())
	}
	displayName := c.String("display-name")
	if displayName == "" {
		displayName = localID.String()
	}

	source := media.NewSource(
		audioFactory(c.String("audio-file")),
		videoFactory(c.String("video-file")),
	)

	m, err := meeting.New(
		c.String("endpoint"),
		localID,
		displayName,
		signaling.StaticToken(c.String("token")),
		source,
		conf,
	)
	if err != nil {
		return err
	}
	defer m.Leave()

	recorder := media.NewRecorder(c.String("out-dir"))
	defer recorder.Close()

	m.OnRemoteStream(func(remoteID core.ParticipantID, stream *rtc.RemoteStream) {
		for _, track := range stream.Tracks() {
			if err := recorder.Record(remoteID, track); err != nil {
				log.Error().Err(err).Str("peer", remoteID.String()).Msg("record remote track")
			}
		}
	})
	m.OnParticipantJoined(func(p core.Participant) {
		log.Info().Str("peer", p.ID.String()).Str("name", p.DisplayName).Msg("participant joined")
	})
	m.OnParticipantLeft(func(id core.ParticipantID) {
		log.Info().Str("peer", id.String()).Msg("participant left")
	})
	m.OnError(func(err error) {
		log.Error().Err(err).Msg("meeting error")
	})

	ended := make(chan struct{})
	m.OnRoomEnded(func(reason string) {
		log.Warn().Str("reason", reason).Msg("room ended")
		close(ended)
	})

	if err := m.AcquireMedia(true, c.Bool("camera"), c.Bool("mic"), c.Bool("camera")); err != nil {
		if core.KindOf(err) != core.MediaError {
			return err
		}
		log.Warn().Err(err).Msg("continuing audio-only")
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.Signaling.ConnectTimeout+conf.Signaling.JoinTimeout)
	defer cancel()

	if err := m.Join(ctx, c.String("room")); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down")
	case <-ended:
	}

	return nil
}

func initLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel
	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.New(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return config.FromViper(v), nil
}

func audioFactory(path string) media.ProviderFactory {
	if path == "" {
		return func() (media.SampleProvider, error) {
			return media.NewSilenceProvider(), nil
		}
	}
	return func() (media.SampleProvider, error) {
		return media.NewOggProvider(path)
	}
}

func videoFactory(path string) media.ProviderFactory {
	if path == "" {
		return func() (media.SampleProvider, error) {
			return media.NewPatternProvider(), nil
		}
	}
	return func() (media.SampleProvider, error) {
		return media.NewIVFProvider(path)
	}
}
