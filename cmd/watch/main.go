package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/identity"
	"livecast/internal/infrastructure/monitoring"
	relayredis "livecast/internal/infrastructure/relay/redis"
	"livecast/internal/infrastructure/relay/wsclient"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		sessionID  = flag.String("session", "", "session id to watch")
		name       = flag.String("name", "", "display name")
	)
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: watch -session <id> [-name <name>]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	channel, cleanup, err := connect(cfg, log)
	if err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	defer cleanup()

	viewer := identity.Guest()
	if *name != "" {
		viewer.DisplayName = *name
	}

	factory := webrtcinfra.NewFactory(webrtcinfra.FactoryConfig{
		ICEServers: cfg.WebRTC.ICEServers,
		PortRange:  webrtcinfra.PortRange(cfg.WebRTC.PortRange),
	}, log)

	metrics := monitoring.NopMetrics{}
	sid := domain.SessionID(*sessionID)

	presence := services.NewPresenceRegistry(sid, channel, metrics, log)
	session := services.NewViewerSession(sid, viewer, channel, factory, presence, metrics, log, cfg.WebRTC.NegotiationTimeout)
	bus := services.NewFanoutBus(sid, channel, metrics, log, cfg.Chat.MessagesPerSecond, cfg.Chat.Burst)

	chat := services.NewChatLog(cfg.Chat.Window)
	chat.SetMessageHandler(func(ev domain.ChatEvent) {
		log.Infow("chat", "from", ev.SenderName, "text", ev.Text)
	})

	ctx := context.Background()
	if err := presence.Start(ctx); err != nil {
		log.Fatalw("failed to start presence", "error", err)
	}
	if err := session.Join(ctx); err != nil {
		log.Fatalw("failed to join session", "error", err)
	}
	if err := chat.Follow(ctx, channel, sid); err != nil {
		log.Fatalw("failed to follow chat", "error", err)
	}

	log.Infow("watching", "session_id", sid, "viewer_id", viewer.ID)

	// Stdin lines are chat messages; "/heart" sends a reaction.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "/heart" {
				bus.SendHeart(ctx, viewer.ID)
				continue
			}
			bus.SendChat(ctx, viewer, line)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("leaving")
	chat.Close()
	session.Leave(ctx)
	presence.Close()
	channel.Close()
}

func connect(cfg *config.Config, log *zap.SugaredLogger) (ports.SignalingChannel, func(), error) {
	switch cfg.Relay.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return nil, nil, err
		}
		channel := relayredis.NewChannel(client, log, cfg.Presence.HeartbeatTTL)
		return channel, func() { redisrepo.CloseRedisClient(client) }, nil
	default:
		url := "ws://" + hostport(cfg.Relay.Address) + "/ws"
		channel, err := wsclient.Dial(context.Background(), url, log)
		if err != nil {
			return nil, nil, err
		}
		return channel, func() {}, nil
	}
}

func hostport(address string) string {
	if len(address) > 0 && address[0] == ':' {
		return "localhost" + address
	}
	return address
}
