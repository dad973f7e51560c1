package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	appcfg "github.com/park285/Stones-KakaoTalk-bot/internal/config"
	"github.com/park285/Stones-KakaoTalk-bot/internal/irisfast"
	"github.com/park285/Stones-KakaoTalk-bot/internal/logexport"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage"
)

const usage = `usage: stonesctl <command>
  migrate          create PostgreSQL tables
  export <lobby>   write a lobby move log as CSV into EXPORT_DIR
  check            ping storage and the Iris gateway`

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := appcfg.LoadStorage()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "migrate":
		err = migrate(ctx, cfg)
	case "export":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		err = export(ctx, cfg, os.Args[2])
	case "check":
		err = check(ctx, cfg)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		obslog.L().Error("stonesctl_failed", zap.String("cmd", os.Args[1]), zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *appcfg.AppConfig) error {
	if cfg.ResolvedStorage() != appcfg.StoragePostgres {
		return fmt.Errorf("migrate needs postgres storage, got %s", cfg.ResolvedStorage())
	}
	gw, err := storage.Open(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()
	obslog.L().Info("migrate_ok")
	return nil
}

func export(ctx context.Context, cfg *appcfg.AppConfig, raw string) error {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid lobby id %q", raw)
	}
	gw, err := storage.Open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	rows, err := gw.MoveLog(ctx, id)
	if err != nil {
		return err
	}
	path, err := logexport.New(cfg.ExportDir).Write(id, rows)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func check(ctx context.Context, cfg *appcfg.AppConfig) error {
	gw, err := storage.Open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()
	if err := storage.Ping(ctx, gw); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}
	obslog.L().Info("storage_ok", zap.String("kind", string(cfg.ResolvedStorage())))

	if cfg.IrisBaseURL == "" {
		obslog.L().Info("iris_skip", zap.String("reason", "IRIS_BASE_URL not set"))
		return nil
	}
	client := irisfast.NewClient(cfg.IrisBaseURL,
		irisfast.WithHeaderProvider(irisfast.IdentityHeaders(cfg.XUserID, cfg.XUserEmail, cfg.XSessionID)),
		irisfast.WithTimeout(8*time.Second),
	)
	ic, err := client.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("iris /config: %w", err)
	}
	obslog.L().Info("iris_ok",
		zap.Int("port", ic.Port),
		zap.Int("polling", ic.PollingSpeed),
		zap.Int("rate", ic.MessageRate),
		zap.String("endpoint", ic.WebserverEndpoint),
	)
	return nil
}
