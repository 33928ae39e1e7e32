// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/streamsensor/cmd/streamsensor/cli"
	"github.com/bureau-foundation/streamsensor/lib/notify"
	"github.com/bureau-foundation/streamsensor/lib/sensor"
	"github.com/bureau-foundation/streamsensor/lib/version"
)

func demoCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "demo",
		Summary: "Measure a simulated stream against a collector",
		Description: `Initialize the sensor, track a simulated stream and print the
sensor's debug events. SIGUSR1 moves the sensor to the background
(flushing immediately), SIGUSR2 back to the foreground. Interrupt or
--duration ends the session and unloads the sensor.`,
		Examples: []cli.Example{
			{
				Description: "Play for a minute against a local collector",
				Command:     "streamsensor demo --endpoint http://127.0.0.1:8470/v1/events --duration 1m",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := newFlagSet("demo")
			flags.Duration("duration", 30*time.Second, "how long to play; 0 plays until interrupted")
			flags.String("content", "Demo stream", "content name reported with every event")
			flags.Int("length", 3600, "simulated content length in seconds; 0 for live")
			return flags
		},
		Run: func(flags *pflag.FlagSet, _ []string) error {
			duration, _ := flags.GetDuration("duration")
			content, _ := flags.GetString("content")
			length, _ := flags.GetInt("length")

			env, err := setup(flags)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runDemo(ctx, env, stdout, content, length)
		},
	}
}

func runDemo(ctx context.Context, env *environment, stdout io.Writer, content string, length int) error {
	provider, err := cli.MeterProvider(ctx, env.config.Telemetry, "streamsensor")
	if err != nil {
		return err
	}
	defer func() {
		shutdown, cancel := shutdownContext()
		defer cancel()
		if err := provider.Shutdown(shutdown); err != nil {
			env.logger.Warn("metric export shutdown failed", "error", err)
		}
	}()

	cfg, err := env.sensorConfig()
	if err != nil {
		return err
	}
	if cfg.PlayerName == "" {
		cfg.PlayerName = "streamsensor-demo"
		cfg.PlayerVersion = version.Short()
	}
	instance, err := sensor.Initialize(cfg,
		sensor.WithLogger(env.logger),
		sensor.WithLogLevel(env.level),
		sensor.WithMeterProvider(provider),
	)
	if err != nil {
		return err
	}
	defer instance.Unload()

	events, unsubscribe := instance.Subscribe(256)
	defer unsubscribe()
	var printer sync.WaitGroup
	printer.Add(1)
	go func() {
		defer printer.Done()
		for event := range events {
			fmt.Fprintln(stdout, formatEvent(event))
		}
	}()

	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(lifecycle)

	player := newSimulatedPlayer(length)
	session, err := instance.Track(player, map[string]string{sensor.AttributeName: content})
	if err != nil {
		return err
	}

	wait := true
	for wait {
		select {
		case <-ctx.Done():
			wait = false
		case received := <-lifecycle:
			if received == syscall.SIGUSR1 {
				player.pause()
				instance.EnterBackground()
			} else {
				player.resume()
				instance.EnterForeground()
			}
		}
	}

	session.Stop()
	instance.Unload()
	unsubscribe()
	printer.Wait()

	stats := instance.Stats()
	fmt.Fprintf(stdout, "delivered=%d failed=%d permanently_failed=%d pending=%d dropped=%d\n",
		stats.Delivered, stats.Failed, stats.PermanentlyFailed, stats.Buffered, stats.Dropped)
	return nil
}

func formatEvent(event notify.Event) string {
	line := fmt.Sprintf("%s %-17s", event.Time.Format(time.TimeOnly), event.Kind)
	if event.Sequence != 0 {
		line += fmt.Sprintf(" seq=%d", event.Sequence)
	}
	if event.Request != "" {
		line += " " + event.Request
	}
	if event.StatusCode != 0 {
		line += fmt.Sprintf(" status=%d", event.StatusCode)
	}
	if event.Kind == notify.KindConnectivity {
		line += fmt.Sprintf(" online=%v", event.Online)
	}
	if event.Detail != "" {
		line += " " + event.Detail
	}
	return line
}

// simulatedPlayer advances its position with wall time while playing.
type simulatedPlayer struct {
	mutex   sync.Mutex
	length  int
	offset  time.Duration
	started time.Time
	playing bool
}

func newSimulatedPlayer(length int) *simulatedPlayer {
	return &simulatedPlayer{length: length, started: time.Now(), playing: true}
}

func (p *simulatedPlayer) pause() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.playing {
		p.offset += time.Since(p.started)
		p.playing = false
	}
}

func (p *simulatedPlayer) resume() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if !p.playing {
		p.started = time.Now()
		p.playing = true
	}
}

func (p *simulatedPlayer) GetMeta() sensor.PlayerMeta {
	return sensor.PlayerMeta{ScreenWidth: 1920, ScreenHeight: 1080}
}

func (p *simulatedPlayer) GetPosition() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	elapsed := p.offset
	if p.playing {
		elapsed += time.Since(p.started)
	}
	position := int(elapsed / time.Second)
	if p.length > 0 {
		position = min(position, p.length)
	}
	return position
}

func (p *simulatedPlayer) GetDuration() int { return p.length }
func (p *simulatedPlayer) GetWidth() int    { return 1280 }
func (p *simulatedPlayer) GetHeight() int   { return 720 }
