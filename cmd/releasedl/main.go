package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jkaberg/releasedl/config"
	"github.com/jkaberg/releasedl/engine"
	"github.com/jkaberg/releasedl/http"
	dlog "github.com/jkaberg/releasedl/log"
	"github.com/jkaberg/releasedl/transfer"
	"github.com/jkaberg/releasedl/transfer/store"
	"github.com/jkaberg/releasedl/watch"
)

const (
	configFlag = "config"
	portFlag   = "http-port"
)

func main() {
	app := &cli.App{
		Name:  "releasedl",
		Usage: "Managed release downloads on top of a BitTorrent engine.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./releasedl-data/config/config.yaml",
				EnvVars: []string{"RELEASEDL_CONFIG"},
				Usage:   "YAML file containing releasedl configuration.",
			},
			&cli.IntFlag{
				Name:    portFlag,
				EnvVars: []string{"RELEASEDL_HTTP_PORT"},
				Usage:   "HTTP port for the command API. Overrides the configuration file.",
			},
		},

		Action: func(c *cli.Context) error {
			err := load(c.Context, c.String(configFlag), c.Int(portFlag))

			// stop program execution on errors to avoid flashing consoles
			if err != nil && runtime.GOOS == "windows" {
				log.Error().Err(err).Msg("problem starting application")
				fmt.Print("Press 'Enter' to continue...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
			}

			return err
		},

		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem starting application")
	}
}

func load(ctx context.Context, configPath string, port int) error {
	ch := config.NewHandler(configPath)

	conf, err := ch.Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	dlog.Load(conf.Log)

	if port != 0 {
		conf.HTTPGlobal.Port = port
	}

	if err := os.MkdirAll(conf.Torrent.MetadataFolder, 0744); err != nil {
		return fmt.Errorf("error creating metadata folder: %w", err)
	}

	st, err := store.Open(conf.Storage.Backend, conf.Storage.Path)
	if err != nil {
		return fmt.Errorf("error opening %s store: %w", conf.Storage.Backend, err)
	}
	defer func() {
		log.Info().Msg("closing state store...")
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing state store")
		}
	}()

	hub := http.NewHub()
	eng := engine.New(conf.Torrent)

	o, err := transfer.New(eng, st, hub, transfer.Options{
		FlushInterval: time.Duration(conf.Storage.FlushInterval) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("error loading managed transfers: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if err := o.StartSession(); err != nil && !errors.Is(err, transfer.ErrSessionStarted) {
		log.Error().Err(err).Msg("error starting session")
	}

	if conf.Watch != nil && conf.Watch.Folder != "" {
		w, err := watch.New(o, conf.Watch)
		if err != nil {
			log.Error().Err(err).Msg("error creating drop folder watcher")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		return http.Serve(gctx, o, hub, conf.HTTPGlobal)
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("stopping after error")
	}

	log.Info().Msg("saving session...")
	if serr := o.Shutdown(); serr != nil {
		log.Warn().Err(serr).Msg("problem saving session")
	}

	log.Info().Msg("exiting")
	return err
}
