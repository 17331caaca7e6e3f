package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/identity"
	"livecast/internal/infrastructure/monitoring"
	relayredis "livecast/internal/infrastructure/relay/redis"
	"livecast/internal/infrastructure/relay/wsclient"
	"livecast/internal/infrastructure/repositories/memory"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		sessionID  = flag.String("session", "", "session id to broadcast")
		title      = flag.String("title", "Live", "session title")
		name       = flag.String("name", "Broadcaster", "display name")
	)
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "usage: broadcast -session <id> [-title <title>]")
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

	channel, streams, cleanup, err := connect(cfg, log)
	if err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	defer cleanup()

	broadcaster := identity.Guest()
	broadcaster.DisplayName = *name

	source, err := webrtcinfra.NewStaticSource()
	if err != nil {
		log.Fatalw("failed to create media source", "error", err)
	}
	factory := webrtcinfra.NewFactory(webrtcinfra.FactoryConfig{
		ICEServers: cfg.WebRTC.ICEServers,
		PortRange:  webrtcinfra.PortRange(cfg.WebRTC.PortRange),
	}, log)

	metrics := monitoring.NewPrometheusCollector()
	sid := domain.SessionID(*sessionID)

	presence := services.NewPresenceRegistry(sid, channel, metrics, log)
	lifecycle := services.NewStreamLifecycleManager(channel, streams, presence, log)
	negotiator := services.NewSessionNegotiator(sid, channel, factory, source, metrics, log, cfg.WebRTC.NegotiationTimeout)
	lifecycle.SetNegotiator(negotiator)

	bus := services.NewFanoutBus(sid, channel, metrics, log, cfg.Chat.MessagesPerSecond, cfg.Chat.Burst)

	chat := services.NewChatLog(cfg.Chat.Window)
	chat.SetMessageHandler(func(ev domain.ChatEvent) {
		log.Infow("chat", "from", ev.SenderName, "text", ev.Text)
	})
	hearts := services.NewHeartTally()
	hearts.SetHeartHandler(func(domain.HeartEvent) {
		lifecycle.RecordHeartCount(context.Background(), sid, hearts.Count())
	})

	presence.SetCountChangeHandler(func(count int) {
		lifecycle.RecordViewerCount(context.Background(), sid, count)
	})

	ctx := context.Background()
	if err := presence.Start(ctx); err != nil {
		log.Fatalw("failed to start presence", "error", err)
	}

	session := &domain.StreamSession{ID: sid, Title: *title}
	if err := lifecycle.Start(ctx, session, broadcaster); err != nil {
		log.Fatalw("failed to start session", "error", err)
	}
	if err := negotiator.Start(ctx); err != nil {
		log.Fatalw("failed to start negotiator", "error", err)
	}
	if err := chat.Follow(ctx, channel, sid); err != nil {
		log.Fatalw("failed to follow chat", "error", err)
	}
	if err := hearts.Follow(ctx, channel, sid); err != nil {
		log.Fatalw("failed to follow hearts", "error", err)
	}

	log.Infow("broadcasting", "session_id", sid, "title", *title)

	// Stdin lines go out as broadcaster chat messages.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			bus.SendChat(ctx, broadcaster, scanner.Text())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("ending session")
	chat.Close()
	hearts.Close()
	if err := lifecycle.End(ctx, sid); err != nil {
		log.Errorw("session end failed", "error", err)
	}
	presence.Close()
	channel.Close()
}

// connect builds the signaling channel and metadata repository for the
// configured backend.
func connect(cfg *config.Config, log *zap.SugaredLogger) (ports.SignalingChannel, ports.StreamRepository, func(), error) {
	switch cfg.Relay.Backend {
	case "redis":
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return nil, nil, nil, err
		}
		channel := relayredis.NewChannel(client, log, cfg.Presence.HeartbeatTTL)
		return channel, redisrepo.NewRedisStreamRepository(client), func() { redisrepo.CloseRedisClient(client) }, nil
	default:
		url := "ws://" + hostport(cfg.Relay.Address) + "/ws"
		channel, err := wsclient.Dial(context.Background(), url, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return channel, memory.NewMemoryStreamRepository(), func() {}, nil
	}
}

func hostport(address string) string {
	if len(address) > 0 && address[0] == ':' {
		return "localhost" + address
	}
	return address
}
