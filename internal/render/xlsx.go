package render

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// xlsxRenderer はExcelテンプレート（xlsx）を展開します。
// sheet が指定された場合はそのシートのみ、未指定なら全シートを置換します。
type xlsxRenderer struct {
	cache *Cache
}

func (r *xlsxRenderer) ExtractPlaceholders(templatePath string) ([]string, error) {
	f, err := r.open(templatePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			for _, cell := range row {
				for _, m := range variablePattern.FindAllStringSubmatch(cell, -1) {
					names = append(names, m[1])
				}
			}
		}
	}
	return uniqueSorted(names), nil
}

func (r *xlsxRenderer) Render(ctx context.Context, templatePath string, row map[string]string, outputPath string, sheet string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := r.open(templatePath)
	if err != nil {
		return err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if sheet != "" {
		found := false
		for _, s := range sheets {
			if s == sheet {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("sheet %q not found in template", sheet)
		}
		sheets = []string{sheet}
	}

	for _, s := range sheets {
		rows, err := f.GetRows(s)
		if err != nil {
			return fmt.Errorf("failed to read sheet %q: %w", s, err)
		}
		for rowIdx, cells := range rows {
			for colIdx, cell := range cells {
				if !strings.Contains(cell, "##") {
					continue
				}
				replaced := variablePattern.ReplaceAllStringFunc(cell, func(marker string) string {
					name := variablePattern.FindStringSubmatch(marker)[1]
					if value, ok := row[name]; ok {
						return value
					}
					return marker
				})
				if replaced == cell {
					continue
				}
				cellName, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+1)
				if err != nil {
					return err
				}
				if err := f.SetCellValue(s, cellName, replaced); err != nil {
					return fmt.Errorf("failed to write cell %s: %w", cellName, err)
				}
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	if err := f.SaveAs(outputPath); err != nil {
		return fmt.Errorf("failed to save rendered workbook: %w", err)
	}
	return nil
}

func (r *xlsxRenderer) open(templatePath string) (*excelize.File, error) {
	data, err := r.cache.Get(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx template: %w", err)
	}
	return f, nil
}
