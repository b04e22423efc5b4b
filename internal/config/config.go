// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ディレクトリ設定
	JobsDir    string // ジョブデータの保存先
	StorageDir string // 追跡ファイルのローカルコピー保存先
	UploadDir  string // アップロード一時保存先

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ジョブ/キュー設定
	QueueRedisURL  string // Asynq用Redis接続URL
	JobConcurrency int    // 同時に処理するジョブ数

	// 変換バックエンド設定
	SofficePath      string // LibreOffice(soffice)実行ファイルのパス（ヘッドレス変換用）
	AutomationBridge string // ネイティブアプリ自動操作ブリッジのパス（空なら無効）
}

// AllowedTemplateExtensions はテンプレートとして受け付ける拡張子です。
var AllowedTemplateExtensions = []string{".docx", ".xlsx", ".msg"}

// AllowedDataExtensions はデータソースとして受け付ける拡張子です。
var AllowedDataExtensions = []string{".xlsx", ".xls"}

// OutputFormats は受け付ける出力形式の固定語彙です。
var OutputFormats = []string{"pdf", "pdf_merged", "word", "excel", "excel_workbook", "msg"}

// IsOutputFormat は format が許可された出力形式かどうかを返します。
func IsOutputFormat(format string) bool {
	for _, f := range OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		JobsDir:    getEnv("JOBS_DIR", "jobs"),
		StorageDir: getEnv("STORAGE_DIR", "storage"),
		UploadDir:  getEnv("UPLOAD_DIR", "uploads"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		QueueRedisURL:  getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobConcurrency: getEnvAsInt("JOB_CONCURRENCY", 4),

		SofficePath:      getEnv("SOFFICE_PATH", "soffice"),
		AutomationBridge: getEnv("AUTOMATION_BRIDGE", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// 相対パスのままだとカレントディレクトリ依存になるため絶対化する
	for _, dir := range []*string{&config.JobsDir, &config.StorageDir, &config.UploadDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve directory %s: %w", *dir, err)
		}
		*dir = abs
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JobsDir) == "" {
		return fmt.Errorf("JOBS_DIR must not be empty")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		return fmt.Errorf("STORAGE_DIR must not be empty")
	}
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}
	if c.JobConcurrency <= 0 {
		c.JobConcurrency = 1
	}
	return nil
}

// EnsureDirs は設定されたディレクトリを作成します。
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.JobsDir, c.StorageDir, c.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
