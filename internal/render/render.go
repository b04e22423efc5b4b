// Package render はテンプレートの ##変数## をデータ行の値で置換し、
// 1行ぶんのドキュメントを生成します。テンプレート種別ごとに実装が分かれており、
// どの実装も同じ Renderer 契約を満たします。
package render

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/yourusername/doc-forge/internal/automation"
)

var variablePattern = regexp.MustCompile(`##([^#]+)##`)

// Renderer はテンプレート1種別ぶんの描画能力です。
type Renderer interface {
	// ExtractPlaceholders はテンプレートに含まれる変数名（##を除いたもの）を返します。
	ExtractPlaceholders(templatePath string) ([]string, error)
	// Render はテンプレートを row の値で展開し outputPath に書き出します。
	// sheet はExcelテンプレートのシート選択にのみ使われます。
	Render(ctx context.Context, templatePath string, row map[string]string, outputPath string, sheet string) error
}

// Engine は拡張子に応じた Renderer の選択とテンプレートキャッシュを担います。
// キャッシュは1ジョブ実行ぶんの寿命で、ジョブ間の古いテンプレート流用を防ぐため
// ClearCache で必ず破棄します。
type Engine struct {
	cache  *Cache
	bridge automation.Bridge
}

// NewEngine は Engine を作成します。bridge はmsgテンプレートの展開に使われ、
// nil の場合msgテンプレートは利用不可になります。
func NewEngine(bridge automation.Bridge) *Engine {
	return &Engine{
		cache:  NewCache(),
		bridge: bridge,
	}
}

// ForTemplate はテンプレートの拡張子に対応する Renderer を返します。
func (e *Engine) ForTemplate(templatePath string) (Renderer, error) {
	switch strings.ToLower(filepath.Ext(templatePath)) {
	case ".docx":
		return &docxRenderer{cache: e.cache}, nil
	case ".xlsx":
		return &xlsxRenderer{cache: e.cache}, nil
	case ".msg":
		return &msgRenderer{bridge: e.bridge}, nil
	default:
		return nil, fmt.Errorf("unsupported template format: %s", filepath.Ext(templatePath))
	}
}

// ClearCache はテンプレートキャッシュを破棄します。ジョブ境界で呼びます。
func (e *Engine) ClearCache() {
	e.cache.Clear()
}

func uniqueSorted(names []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	// 安定した出力のため辞書順にする
	sort.Strings(out)
	return out
}
