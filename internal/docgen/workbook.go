package docgen

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Excelのシート名制限。禁止文字は _ に置換し、31文字を超える分は切り詰めます。
const maxTabNameLength = 31

var tabNameReplacer = strings.NewReplacer(
	`\`, "_",
	"/", "_",
	"?", "_",
	"*", "_",
	"[", "_",
	"]", "_",
	":", "_",
)

// sanitizeTabName はシート名として使えない文字を置換し、長さ制限に収めます。
// 制限は文字数（rune数）で数え、マルチバイト文字を途中で切りません。
func sanitizeTabName(raw string) string {
	name := tabNameReplacer.Replace(strings.TrimSpace(raw))
	if runes := []rune(name); len(runes) > maxTabNameLength {
		name = string(runes[:maxTabNameLength])
	}
	return name
}

// tabNamer は重複しないシート名を払い出します。
// 衝突時は数値サフィックスを付け、サフィックス込みで長さ制限を守ります。
type tabNamer struct {
	used map[string]struct{}
}

func newTabNamer() *tabNamer {
	return &tabNamer{used: map[string]struct{}{}}
}

// Name は raw から一意なシート名を導出します。raw が空や無効な場合は
// Sheet<N>（Nは fallbackIndex+1）へフォールバックします。
func (n *tabNamer) Name(raw string, fallbackIndex int) string {
	base := sanitizeTabName(raw)
	if base == "" {
		base = fmt.Sprintf("Sheet%d", fallbackIndex+1)
	}

	candidate := base
	for i := 2; ; i++ {
		if _, taken := n.used[candidate]; !taken {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		trimmed := []rune(base)
		if len(trimmed)+len(suffix) > maxTabNameLength {
			trimmed = trimmed[:maxTabNameLength-len(suffix)]
		}
		candidate = string(trimmed) + suffix
	}

	n.used[candidate] = struct{}{}
	return candidate
}

// workbookEntry は集約ワークブックに取り込む1ソースです。
type workbookEntry struct {
	SourcePath string
	Tab        string
}

// buildWorkbook は各エントリのソースExcelの先頭シートを1タブずつ取り込んだ
// ワークブックを作成します。タブの並びは entries の順を保持します。
// セルの値のみを転写し、書式は引き継ぎません。
func buildWorkbook(outputPath string, entries []workbookEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no sheets to merge into workbook")
	}

	dst := excelize.NewFile()
	defer dst.Close()

	for _, entry := range entries {
		if err := copyFirstSheet(dst, entry.Tab, entry.SourcePath); err != nil {
			return fmt.Errorf("failed to merge sheet %q: %w", entry.Tab, err)
		}
	}

	// NewFile が作るデフォルトシートは、タブ名として再利用されていない場合のみ消す
	defaultUsed := false
	for _, entry := range entries {
		if entry.Tab == "Sheet1" {
			defaultUsed = true
			break
		}
	}
	if !defaultUsed {
		if err := dst.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("failed to drop default sheet: %w", err)
		}
	}

	if err := dst.SaveAs(outputPath); err != nil {
		return fmt.Errorf("failed to save merged workbook: %w", err)
	}
	return nil
}

// copyFirstSheet は srcPath の先頭シートの値を dst の tab という新しいシートへ転写します。
func copyFirstSheet(dst *excelize.File, tab, srcPath string) error {
	src, err := excelize.OpenFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source workbook: %w", err)
	}
	defer src.Close()

	sheets := src.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("source workbook has no sheets: %s", srcPath)
	}

	rows, err := src.GetRows(sheets[0])
	if err != nil {
		return fmt.Errorf("failed to read source sheet: %w", err)
	}

	if _, err := dst.NewSheet(tab); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	for r, row := range rows {
		for c, value := range row {
			if value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := dst.SetCellValue(tab, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}
