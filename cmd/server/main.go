package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koopa0/pongue-server/internal"
)

func main() {
	// 載入 .env（外部服務位址等），不存在時沿用現有環境
	_ = godotenv.Load()

	// 解析命令行參數
	var (
		port         = flag.Int("port", 8080, "服務器端口")
		logLevel     = flag.String("log-level", "info", "日誌級別 (debug, info, warn, error)")
		logFormat    = flag.String("log-format", "text", "日誌格式 (text, json)")
		tickInterval = flag.Duration("tick-interval", 50*time.Millisecond, "引擎 tick 間隔")
		idleTimeout  = flag.Duration("idle-timeout", 10*time.Minute, "閒置房間回收閾值")
	)
	flag.Parse()

	// 設置日誌
	logger := setupLogger(*logLevel, *logFormat)

	// 選擇記錄存儲：STORE_URL 指向外部記錄服務，否則記憶體存儲（單機模式）
	var (
		store    internal.UserStore
		recorder internal.ResultRecorder
		auth     internal.Authenticator
	)
	if storeURL := os.Getenv("STORE_URL"); storeURL != "" {
		httpStore := internal.NewHTTPStore(storeURL, logger)
		store, recorder, auth = httpStore, httpStore, httpStore
		logger.Info("使用外部記錄服務", "url", storeURL)
	} else {
		memStore := internal.NewMemoryStore()
		store, recorder, auth = memStore, memStore, memStore
		logger.Warn("未設置 STORE_URL，使用記憶體存儲（單機模式）")
	}

	// 創建房間目錄
	registry := internal.NewRegistry(store, recorder, logger, &internal.RegistryOptions{
		TickInterval: *tickInterval,
		IdleTimeout:  *idleTimeout,
	})

	// 創建連接中心與配對協調器
	hub := internal.NewHub(registry, logger)
	coordinator := internal.NewCoordinator(store, logger)

	// 創建 HTTP 處理器（含 WebSocket 端點）
	handler := internal.NewHandler(coordinator, registry, hub, auth, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	go func() {
		logger.Info("對戰協調服務器啟動",
			"port", *port,
			"tick_interval", *tickInterval,
			"log_level", *logLevel)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止房間目錄（同步取消所有 tick 任務並拆除房間）
	registry.Stop()

	// 關閉餘下連接
	hub.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug",
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
