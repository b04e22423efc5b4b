// Package automation はデスクトップのオフィスアプリケーションを外部プロセス経由で
// 操作するためのブリッジを提供します。ヘッドレス変換では再現できない
// 印刷設定の反映やメールテンプレートの展開はこの層を通して行います。
package automation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Bridge は自動操作コマンドの実行を抽象化します。
// テストではスタブ実装に差し替えます。
type Bridge interface {
	// Available はブリッジが利用可能かどうかを返します。
	Available() bool
	// Run はサブコマンドと引数を渡してブリッジを1回実行します。
	Run(ctx context.Context, args ...string) error
}

const defaultTimeout = 120 * time.Second

// ExecBridge は設定されたヘルパーコマンドを実行するブリッジです。
// 起動したプロセスはエラー時も含めて必ず終了させます（CommandContext）。
type ExecBridge struct {
	path    string
	timeout time.Duration
}

// NewExecBridge は ExecBridge を作成します。path が空の場合ブリッジは無効です。
func NewExecBridge(path string) *ExecBridge {
	return &ExecBridge{path: path, timeout: defaultTimeout}
}

// Available はヘルパーコマンドが解決できるかどうかを返します。
func (b *ExecBridge) Available() bool {
	if b == nil || b.path == "" {
		return false
	}
	_, err := exec.LookPath(b.path)
	return err == nil
}

// Run はブリッジを実行し、失敗時はstderrを含むエラーを返します。
func (b *ExecBridge) Run(ctx context.Context, args ...string) error {
	if !b.Available() {
		return fmt.Errorf("automation bridge is not available")
	}

	runCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, b.path, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("automation bridge failed: %s: %w", stderr.String(), err)
		}
		return fmt.Errorf("automation bridge failed: %w", err)
	}
	return nil
}
