package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/doc-forge/internal/automation"
)

// PDFBackend はPDFエクスポートを行う1つの変換手段です。
type PDFBackend interface {
	Name() string
	Available() bool
	ExportPDF(ctx context.Context, inputPath, outputPath string, settings *PrintSettings) error
}

// NativeBackend はネイティブアプリ自動操作によるバックエンドです。
// PDFエクスポートに加え、msgのWord文書化も担います。
type NativeBackend interface {
	PDFBackend
	SaveAsWord(ctx context.Context, inputPath, outputPath string) error
}

// SofficeBackend はLibreOfficeヘッドレス変換による高速バックエンドです。
type SofficeBackend struct {
	path string
}

// NewSofficeBackend は SofficeBackend を作成します。
func NewSofficeBackend(path string) *SofficeBackend {
	return &SofficeBackend{path: path}
}

func (b *SofficeBackend) Name() string { return "soffice-headless" }

func (b *SofficeBackend) Available() bool {
	if b == nil || b.path == "" {
		return false
	}
	_, err := exec.LookPath(b.path)
	return err == nil
}

// ExportPDF は soffice --headless --convert-to pdf を実行します。
// sofficeは出力名を選べないため、一旦outdirに書かせてから所定の名前に移します。
func (b *SofficeBackend) ExportPDF(ctx context.Context, inputPath, outputPath string, settings *PrintSettings) error {
	outDir := filepath.Dir(outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.path, "--headless", "--convert-to", "pdf", "--outdir", outDir, inputPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("soffice conversion failed: %s: %w", stderr.String(), err)
		}
		return fmt.Errorf("soffice conversion failed: %w", err)
	}

	produced := filepath.Join(outDir, stem(inputPath)+".pdf")
	if produced != outputPath {
		if err := os.Rename(produced, outputPath); err != nil {
			return fmt.Errorf("soffice output missing: %w", err)
		}
	}
	return verifyNonEmpty(outputPath)
}

// exportMethods はネイティブ自動操作でのPDFエクスポート手段の固定優先順です。
// 先頭から順に試し、空でない出力が得られた時点で打ち切ります。
var exportMethods = []string{
	"fixed-format-standard",
	"fixed-format-min-quality",
	"fixed-format-minimal",
	"save-as-pdf",
	"print-to-pdf-printer",
	"per-sheet-export",
}

// BridgeBackend は自動操作ブリッジ経由でデスクトップアプリを駆動するバックエンドです。
type BridgeBackend struct {
	bridge automation.Bridge
}

// NewBridgeBackend は BridgeBackend を作成します。
func NewBridgeBackend(bridge automation.Bridge) *BridgeBackend {
	return &BridgeBackend{bridge: bridge}
}

func (b *BridgeBackend) Name() string { return "native-automation" }

func (b *BridgeBackend) Available() bool {
	return b != nil && b.bridge != nil && b.bridge.Available()
}

// ExportPDF はエクスポート手段を固定優先順で試します。
// 例外を出した試行もゼロバイト出力の試行も失敗として次へ進み、
// 使い切った場合は全試行の履歴を持つ FailedError を返します。
func (b *BridgeBackend) ExportPDF(ctx context.Context, inputPath, outputPath string, settings *PrintSettings) error {
	if !b.Available() {
		return ErrUnavailable
	}

	var attempts []Attempt
	for _, method := range exportMethods {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if method == "per-sheet-export" {
			err = b.exportPerSheet(ctx, inputPath, outputPath, settings)
		} else {
			err = b.exportOnce(ctx, method, inputPath, outputPath, settings)
		}
		if err == nil {
			return nil
		}
		attempts = append(attempts, Attempt{Strategy: method, Err: err})
	}

	return &FailedError{Input: inputPath, Target: "pdf", Attempts: attempts}
}

func (b *BridgeBackend) exportOnce(ctx context.Context, method, inputPath, outputPath string, settings *PrintSettings) error {
	args := []string{"export-pdf", "--method", method, "--input", inputPath, "--output", outputPath}
	if settings != nil && settings.PageRange != nil {
		args = append(args, "--from", strconv.Itoa(settings.PageRange.From), "--to", strconv.Itoa(settings.PageRange.To))
	}
	if err := b.bridge.Run(ctx, args...); err != nil {
		return err
	}
	return verifyNonEmpty(outputPath)
}

// exportPerSheet はシート/ページ単位でエクスポートさせ、pdfcpuで結合します。
func (b *BridgeBackend) exportPerSheet(ctx context.Context, inputPath, outputPath string, settings *PrintSettings) error {
	partsDir, err := os.MkdirTemp(filepath.Dir(outputPath), "sheets-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(partsDir)

	args := []string{"export-pdf", "--method", "per-sheet-export", "--input", inputPath, "--output-dir", partsDir}
	if err := b.bridge.Run(ctx, args...); err != nil {
		return err
	}

	parts, err := filepath.Glob(filepath.Join(partsDir, "*.pdf"))
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("per-sheet export produced no pages")
	}
	sort.Strings(parts)

	if err := pdfapi.MergeCreateFile(parts, outputPath, false, nil); err != nil {
		return fmt.Errorf("failed to merge per-sheet pages: %w", err)
	}
	return verifyNonEmpty(outputPath)
}

// SaveAsWord はmsgをWord文書として保存させます。
func (b *BridgeBackend) SaveAsWord(ctx context.Context, inputPath, outputPath string) error {
	if !b.Available() {
		return ErrUnavailable
	}
	if err := b.bridge.Run(ctx, "save-as-word", "--input", inputPath, "--output", outputPath); err != nil {
		return err
	}
	return verifyNonEmpty(outputPath)
}

func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// verifyNonEmpty は出力が存在しサイズが0でないことを確認します。
// どの変換手段も、これを通過して初めて成功扱いになります。
func verifyNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file was not created: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output file is empty: %s", path)
	}
	return nil
}
