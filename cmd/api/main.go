// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/automation"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/docgen"
	"github.com/yourusername/doc-forge/internal/render"
	"github.com/yourusername/doc-forge/internal/tracker"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("Failed to prepare directories: %v", err)
	}

	logger := log.New(os.Stdout, "[doc-forge] ", log.LstdFlags)

	// 入力ファイルの内容追跡。起動時に元ファイルが消えたエントリを掃除する
	fileTracker, err := tracker.New(cfg.StorageDir)
	if err != nil {
		log.Fatalf("Failed to initialize file tracker: %v", err)
	}
	if purged, err := fileTracker.PurgeOrphans(); err != nil {
		logger.Printf("orphan purge failed: %v", err)
	} else if purged > 0 {
		logger.Printf("purged %d orphaned tracked files", purged)
	}

	// レンダリングと変換のバックエンド
	var bridge automation.Bridge
	if cfg.AutomationBridge != "" {
		bridge = automation.NewExecBridge(cfg.AutomationBridge)
	}
	engine := render.NewEngine(bridge)

	var native convert.NativeBackend
	if bridge != nil {
		native = convert.NewBridgeBackend(bridge)
	}
	converter := convert.NewConverter(convert.NewSofficeBackend(cfg.SofficePath), native, logger)

	// ジョブストアとパイプライン
	store, err := docgen.NewStore(cfg.JobsDir, logger)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}
	pipeline := docgen.NewPipeline(store, engine, converter, logger)

	manager, err := docgen.NewManager(cfg, store, fileTracker, pipeline, logger)
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	manager.StartWorkers()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxFileSize

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	router.GET("/health", handleHealth)
	docgen.RegisterRoutes(router, manager, cfg)

	// サーバーの起動
	addr := ":" + cfg.Port
	logger.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "doc-forge-api",
		"version": "0.1.0",
	})
}
