package main

import (
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/Charlaton-app/charlaton-rtc/internal/config"
	"github.com/Charlaton-app/charlaton-rtc/internal/core"
	"github.com/Charlaton-app/charlaton-rtc/internal/signalserver"
)

func main() {
	app := &cli.App{
		Name:        "signald",
		Usage:       "Meeting signaling server",
		Description: "Relays join, SDP and ICE traffic between the participants of a room",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "env",
				Usage:    "environment: either 'development' or 'production'",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "listen IP and port, example: ':8080' for listen on 0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "shared bearer token required on the websocket handshake",
				EnvVars: []string{"CHARLATON_AUTH_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "redis URL enabling cross-node fanout, example: redis://localhost:6379/0",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a config file",
			},
		},
		Action: startServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startServer(c *cli.Context) error {
	conf := config.New()
	if path := c.String("config"); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
		conf = config.FromViper(v)
	}

	if addr := c.String("address"); addr != "" {
		conf.Server.Address = addr
	}
	if token := c.String("auth-token"); token != "" {
		conf.Server.AuthToken = token
	}
	if u := c.String("redis-url"); u != "" {
		conf.Server.RedisURL = u
	}

	nodeID := uuid.NewString()

	var bus signalserver.Bus
	if conf.Server.RedisURL != "" {
		opts, err := redis.ParseURL(conf.Server.RedisURL)
		if err != nil {
			return err
		}
		bus = signalserver.NewRedisBus(nodeID, redis.NewClient(opts))
	}

	app := signalserver.New(signalserver.AppOptions{
		Env:    core.Environment(c.String("env")),
		Config: conf,
		Bus:    bus,
		NodeID: nodeID,
	})

	return app.Start()
}
