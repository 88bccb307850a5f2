// Command peer is a console call client for one participant.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/duocall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/duocall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/duocall/internal/adapter/driven/persistence/remote"
	"github.com/Wyydra/duocall/internal/config"
	"github.com/Wyydra/duocall/internal/core/domain"
	"github.com/Wyydra/duocall/internal/core/service"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	user := flag.String("user", "", "user id, overrides peer.user_id")
	name := flag.String("name", "", "display name, overrides peer.display_name")
	relayURL := flag.String("relay", "", "relay websocket url, overrides peer.relay_url")
	apiURL := flag.String("api", "", "call api base url, overrides peer.api_url")
	devicesMode := flag.String("devices", "", "capture|silent|none, overrides peer.devices")
	autoAccept := flag.Bool("auto-accept", false, "accept incoming calls without prompting")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		pterm.Error.Println("Failed to load config:", err)
		os.Exit(1)
	}
	override(&cfg.Peer.UserID, *user)
	override(&cfg.Peer.DisplayName, *name)
	override(&cfg.Peer.RelayURL, *relayURL)
	override(&cfg.Peer.APIURL, *apiURL)
	override(&cfg.Peer.Devices, *devicesMode)
	if *autoAccept {
		cfg.Peer.AutoAccept = true
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Println("Invalid config:", err)
		os.Exit(1)
	}
	if cfg.Peer.UserID == "" {
		pterm.Error.Println("Missing -user")
		os.Exit(1)
	}

	// Logs go to stderr so they do not interleave with the console.
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	l := zerolog.New(w).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		l = l.Level(lvl)
	}
	log.Logger = l

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := domain.UserID(cfg.Peer.UserID)

	devices, err := pion.NewDevices(cfg.Peer.Devices)
	if err != nil {
		pterm.Error.Println("Media devices:", err)
		os.Exit(1)
	}
	factory, err := pion.NewFactory(pion.Config{
		ICEServers:          cfg.Peer.ICEServers,
		DisconnectedTimeout: cfg.Peer.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.Peer.ICEFailedTimeout,
		KeepAliveInterval:   cfg.Peer.ICEKeepAlive,
	}, devices)
	if err != nil {
		pterm.Error.Println("WebRTC setup:", err)
		os.Exit(1)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	client, err := ws.Dial(dialCtx, cfg.Peer.RelayURL, self)
	cancelDial()
	if err != nil {
		pterm.Error.Println("Relay unavailable:", err)
		os.Exit(1)
	}
	defer client.Close()

	records := remote.New(cfg.Peer.APIURL)
	displayName := cfg.Peer.DisplayName
	if displayName == "" {
		if n, err := records.Lookup(ctx, self); err == nil {
			displayName = n
		} else {
			displayName = self.String()
		}
	}

	calls := service.NewCallService(service.CallConfig{
		Self:        self,
		DisplayName: displayName,
		RingTimeout: cfg.Peer.RingTimeout,
	}, service.CallDeps{
		Signaler: client,
		Records:  records,
		Feed:     records,
		Users:    records,
		Devices:  devices,
		Peers:    factory,
		Sinks:    service.NewSinkSet(),
	}, l)

	pterm.Info.Printfln("Signed in as %s (%s)", displayName, self)
	pterm.Info.Println("Commands: call <id> voice|video, accept, reject, end, mute, camera, share, unshare, status, history, quit")

	go func() {
		if err := calls.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error().Err(err).Msg("Call loop stopped")
		}
		stop()
	}()
	go func() {
		<-client.Done()
		pterm.Warning.Println("Relay connection closed")
		stop()
	}()

	c := &console{ctx: ctx, calls: calls, records: records, self: self, autoAccept: cfg.Peer.AutoAccept}
	events, cancelEvents := calls.Subscribe(32)
	defer cancelEvents()
	go c.render(events)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if c.exec(line) {
				break loop
			}
		}
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if calls.Snapshot().Phase != domain.PhaseIdle {
		_ = calls.End(endCtx)
	}
	pterm.Info.Println("Bye")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
