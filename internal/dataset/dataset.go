// Package dataset はExcelデータソースから ##変数## ヘッダーと行データを読み出します。
package dataset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// variablePattern は ##name## 形式のプレースホルダーにマッチします。
// 区切りは固定2文字で、入れ子やエスケープは扱いません。
var variablePattern = regexp.MustCompile(`##([^#]+)##`)

// Row はデータソースの1行です。列名（##を除いた変数名）から値へのマップ。
type Row map[string]string

// Table は解析済みデータソースです。行は元ファイルの出現順を保持します。
type Table struct {
	Sheet   string
	Columns []string
	Rows    []Row
}

// TotalRows は行数を返します。
func (t *Table) TotalRows() int {
	return len(t.Rows)
}

// ExtractVariables はテキストに含まれる変数名（##を除いたもの）を返します。
func ExtractVariables(text string) []string {
	matches := variablePattern.FindAllStringSubmatch(text, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// StripMarkers は ##name## から name を取り出します。マーカーでなければそのまま返します。
func StripMarkers(marker string) string {
	if m := variablePattern.FindStringSubmatch(marker); m != nil {
		return m[1]
	}
	return strings.Trim(marker, "#")
}

// Sheets はExcelファイルのシート名一覧を返します。
func Sheets(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

// DetectDataSheet は先頭行に ##変数## ヘッダーを含む最初のシート名を返します。
// 見つからない場合は空文字を返します。
func DetectDataSheet(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open data source: %w", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		for _, cell := range rows[0] {
			if strings.Contains(cell, "##") {
				return sheet, nil
			}
		}
	}
	return "", nil
}

// Parse はExcelファイルを解析してテーブルを返します。
// 先頭行を ##変数## 形式のヘッダーとして扱い、以降を行データとして読み込みます。
// sheet が空の場合はヘッダー行を持つシートを自動検出し、なければ先頭シートを使います。
func Parse(path string, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("data source has no sheets: %s", path)
	}

	if sheet == "" {
		detected, err := DetectDataSheet(path)
		if err == nil && detected != "" {
			sheet = detected
		} else {
			sheet = sheets[0]
		}
	} else if !containsString(sheets, sheet) {
		return nil, fmt.Errorf("sheet %q not found in data source", sheet)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}

	// ヘッダー行: ##name## はマーカーを外し、素の文字列はそのまま列名にする
	header := rows[0]
	columns := make([]string, len(header))
	hasColumn := false
	for i, cell := range header {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		columns[i] = StripMarkers(name)
		hasColumn = true
	}
	if !hasColumn {
		return nil, fmt.Errorf("sheet %q has no header columns", sheet)
	}

	table := &Table{Sheet: sheet, Rows: []Row{}}
	for _, col := range columns {
		if col != "" {
			table.Columns = append(table.Columns, col)
		}
	}

	for _, raw := range rows[1:] {
		row := Row{}
		empty := true
		for i, col := range columns {
			if col == "" {
				continue
			}
			value := ""
			if i < len(raw) {
				value = raw[i]
			}
			if strings.TrimSpace(value) != "" {
				empty = false
			}
			row[col] = value
		}
		if empty {
			continue
		}
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
