// Package convert はレンダリング済みドキュメントを要求された出力形式へ変換します。
// 変換手段は名前付きの優先順リストとして持ち、失敗時は次の手段へ自動で
// フォールバックします。スプレッドシートのPDF化だけは忠実度保証のため
// ヘッドレス変換を決して使いません。
package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SourceFamily は入力ドキュメントの種別です。
type SourceFamily string

const (
	FamilyWord    SourceFamily = "word"
	FamilyExcel   SourceFamily = "excel"
	FamilyMessage SourceFamily = "message"
)

// 集約形式は個別変換では扱わず、全行処理後の集約パスで生成します。
var aggregateFormats = map[string]bool{
	"pdf_merged":     true,
	"excel_workbook": true,
}

// IsAggregateFormat は行単位の変換対象ではなく集約パスで生成する形式かどうかを返します。
func IsAggregateFormat(format string) bool {
	return aggregateFormats[format]
}

// Converter は単一ドキュメントの形式変換を行います。
type Converter struct {
	headless PDFBackend
	native   NativeBackend
	logger   *log.Logger
}

// NewConverter は Converter を作成します。どちらのバックエンドも nil を許容し、
// その場合該当バックエンドは「利用不可」として扱われます。
func NewConverter(headless PDFBackend, native NativeBackend, logger *log.Logger) *Converter {
	if logger == nil {
		logger = log.Default()
	}
	return &Converter{
		headless: headless,
		native:   native,
		logger:   logger,
	}
}

// Convert は inputPath のドキュメントを target 形式へ変換し、出力パスを返します。
// 成功の条件は出力ファイルが存在しサイズが0でないことです。
func (c *Converter) Convert(ctx context.Context, inputPath, target, outputDir string, settings *PrintSettings) (string, error) {
	if IsAggregateFormat(target) {
		return "", fmt.Errorf("format %q is an aggregate pass, not an individual conversion", target)
	}

	family, err := DetectFamily(inputPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	switch target {
	case "pdf":
		return c.convertToPDF(ctx, inputPath, family, outputDir, settings)
	case "word":
		return c.convertToWord(ctx, inputPath, family, outputDir)
	case "excel":
		if family != FamilyExcel {
			return "", fmt.Errorf("cannot convert %s source to excel", family)
		}
		return c.copyVerified(inputPath, filepath.Join(outputDir, stem(inputPath)+".xlsx"))
	case "msg":
		if family != FamilyMessage {
			return "", fmt.Errorf("cannot convert %s source to msg", family)
		}
		return c.copyVerified(inputPath, filepath.Join(outputDir, stem(inputPath)+".msg"))
	default:
		return "", fmt.Errorf("unsupported output format: %s", target)
	}
}

func (c *Converter) convertToPDF(ctx context.Context, inputPath string, family SourceFamily, outputDir string, settings *PrintSettings) (string, error) {
	outputPath := filepath.Join(outputDir, stem(inputPath)+".pdf")

	switch family {
	case FamilyWord:
		return c.wordToPDF(ctx, inputPath, outputPath, settings)

	case FamilyExcel:
		// スプレッドシートはヘッドレス変換だと改ページ・印刷範囲・拡縮が失われるため
		// ネイティブ自動操作を必須とし、無ければ静かに品質を落とさず失敗させる。
		if c.native == nil || !c.native.Available() {
			return "", fmt.Errorf("spreadsheet to PDF requires native automation: %w", ErrUnavailable)
		}
		if settings != nil {
			if err := settings.ApplyToWorkbook(inputPath); err != nil {
				return "", err
			}
		}
		if err := c.native.ExportPDF(ctx, inputPath, outputPath, settings); err != nil {
			return "", err
		}
		return outputPath, verifyNonEmpty(outputPath)

	case FamilyMessage:
		// msgはまずWord文書に落としてからWord→PDF経路を通す。
		if c.native == nil || !c.native.Available() {
			return "", fmt.Errorf("msg to PDF requires native automation: %w", ErrUnavailable)
		}
		tempDoc := filepath.Join(outputDir, stem(inputPath)+"_interim.docx")
		if err := c.native.SaveAsWord(ctx, inputPath, tempDoc); err != nil {
			return "", fmt.Errorf("failed to convert msg to word document: %w", err)
		}
		defer os.Remove(tempDoc)

		interim, err := c.wordToPDF(ctx, tempDoc, outputPath, settings)
		if err != nil {
			return "", err
		}
		// 中間docx由来の名前ではなく元のmsg名でPDFを残す
		finalPath := filepath.Join(outputDir, stem(inputPath)+".pdf")
		if interim != finalPath {
			if err := os.Rename(interim, finalPath); err != nil {
				return "", err
			}
		}
		return finalPath, verifyNonEmpty(finalPath)

	default:
		return "", fmt.Errorf("cannot convert %s source to pdf", family)
	}
}

// wordToPDF はWord系ソースをPDF化します。高速なヘッドレス変換を優先し、
// 失敗時はネイティブ自動操作へフォールバックします。
func (c *Converter) wordToPDF(ctx context.Context, inputPath, outputPath string, settings *PrintSettings) (string, error) {
	backends := []PDFBackend{}
	if c.headless != nil && c.headless.Available() {
		backends = append(backends, c.headless)
	}
	if c.native != nil && c.native.Available() {
		backends = append(backends, c.native)
	}
	if len(backends) == 0 {
		return "", fmt.Errorf("word to PDF: %w", ErrUnavailable)
	}

	var attempts []Attempt
	for _, backend := range backends {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := backend.ExportPDF(ctx, inputPath, outputPath, settings)
		if err == nil {
			if verr := verifyNonEmpty(outputPath); verr == nil {
				return outputPath, nil
			} else {
				err = verr
			}
		}
		c.logger.Printf("pdf backend %s failed for %s: %v", backend.Name(), filepath.Base(inputPath), err)
		attempts = append(attempts, Attempt{Strategy: backend.Name(), Err: err})
	}

	return "", &FailedError{Input: inputPath, Target: "pdf", Attempts: attempts}
}

func (c *Converter) convertToWord(ctx context.Context, inputPath string, family SourceFamily, outputDir string) (string, error) {
	outputPath := filepath.Join(outputDir, stem(inputPath)+".docx")

	switch family {
	case FamilyWord:
		return c.copyVerified(inputPath, outputPath)
	case FamilyMessage:
		if c.native == nil || !c.native.Available() {
			return "", fmt.Errorf("msg to word requires native automation: %w", ErrUnavailable)
		}
		if err := c.native.SaveAsWord(ctx, inputPath, outputPath); err != nil {
			return "", err
		}
		return outputPath, verifyNonEmpty(outputPath)
	default:
		return "", fmt.Errorf("cannot convert %s source to word", family)
	}
}

// copyVerified は同一形式のパススルーです。コピー後にサイズ一致を検証します。
func (c *Converter) copyVerified(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", err
	}
	written, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if written != info.Size() {
		return "", fmt.Errorf("copy verification failed: wrote %d of %d bytes", written, info.Size())
	}
	return dst, verifyNonEmpty(dst)
}

// DetectFamily は拡張子からソース種別を判定し、不明な場合はMIMEスニッフィングで補います。
func DetectFamily(path string) (SourceFamily, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".doc":
		return FamilyWord, nil
	case ".xlsx", ".xls":
		return FamilyExcel, nil
	case ".msg":
		return FamilyMessage, nil
	}

	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect source type of %s: %w", path, err)
	}
	switch {
	case mime.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"), mime.Is("application/msword"):
		return FamilyWord, nil
	case mime.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"), mime.Is("application/vnd.ms-excel"):
		return FamilyExcel, nil
	case mime.Is("application/vnd.ms-outlook"):
		return FamilyMessage, nil
	}
	return "", fmt.Errorf("unsupported source type: %s (%s)", path, mime.String())
}
