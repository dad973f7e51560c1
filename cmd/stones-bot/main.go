package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/Stones-KakaoTalk-bot/internal/agentapi"
	"github.com/park285/Stones-KakaoTalk-bot/internal/bot"
	appcfg "github.com/park285/Stones-KakaoTalk-bot/internal/config"
	"github.com/park285/Stones-KakaoTalk-bot/internal/irisfast"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/logexport"
	"github.com/park285/Stones-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/render"
	stonesvc "github.com/park285/Stones-KakaoTalk-bot/internal/service/stones"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage"
	"github.com/park285/Stones-KakaoTalk-bot/internal/workpool"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	if err := run(); err != nil {
		obslog.L().Error("stones_bot_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func run() error {
	logger := obslog.L()
	cfg, err := appcfg.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := storage.Open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	cat, err := msgcat.New(cfg.MsgTemplateDir)
	if err != nil {
		return err
	}

	pool := workpool.New(cfg.WorkerPoolSize)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()

	headers := irisfast.IdentityHeaders(cfg.XUserID, cfg.XUserEmail, cfg.XSessionID)
	client := irisfast.NewClient(cfg.IrisBaseURL,
		irisfast.WithHeaderProvider(headers),
		irisfast.WithLogger(logger),
	)
	ws := irisfast.NewWebSocket(cfg.IrisWSURL, 5, time.Second)
	ws.SetHeaderProvider(headers)
	ws.OnStateChange(func(state irisfast.WebSocketState) {
		logger.Info("ws_state", zap.String("state", string(state)))
	})
	out := irisfast.NewEgress(cfg.EgressMode, false, client, ws, logger)

	var renderer render.FieldRenderer
	if cfg.RenderFieldImage {
		renderer = render.NewFieldRenderer()
	}

	reg := lobby.NewRegistry(gw, lobby.Options{})
	notify, err := bot.NewNotifier(reg, cat, out, pool, renderer, logger)
	if err != nil {
		return err
	}
	svc, err := stonesvc.NewService(reg, notify, logexport.New(cfg.ExportDir), stonesvc.Config{
		DefaultStones: cfg.DefaultStones,
		MaxStones:     cfg.MaxStones,
		MoveTimeout:   cfg.MoveTimeout,
		RoundDuration: cfg.RoundDuration,
		MovePause:     cfg.MovePause,
		AllowedRooms:  cfg.AllowedRooms,
		AdminIDs:      cfg.AdminIDs,
	}, logger)
	if err != nil {
		return err
	}
	if err := svc.Boot(ctx); err != nil {
		return err
	}
	defer svc.Close()

	router, err := bot.NewRouter(svc, cat, notify, pool, cfg.BotPrefix, logger)
	if err != nil {
		return err
	}
	ws.OnMessage(router.HandleMessage)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveIngress(gctx, ws, logger) })

	if cfg.AgentAPIAddr != "" {
		api, err := agentapi.NewServer(svc, agentapi.Config{Addr: cfg.AgentAPIAddr, Token: cfg.AgentAPIToken}, logger)
		if err != nil {
			return err
		}
		g.Go(api.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return api.Shutdown(sctx)
		})
	}

	err = g.Wait()
	logger.Info("stones_bot_stop")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveIngress connects and holds the chat ingress until ctx ends.
func serveIngress(ctx context.Context, in irisfast.Ingress, logger *zap.Logger) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := in.Connect(cctx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("stones_bot_ready", zap.Bool("connected", in.Connected()))
	<-ctx.Done()
	return in.Close(context.Background())
}
