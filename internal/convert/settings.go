package convert

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Margins は印刷余白（インチ）です。
type Margins struct {
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// Scaling は印刷時の拡大縮小指定です。
// Type: percent / fit_to / fit_sheet_on_one_page /
// fit_all_columns_on_one_page / fit_all_rows_on_one_page / no_scaling
type Scaling struct {
	Type   string `json:"type"`
	Value  uint   `json:"value,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// PageRange はエクスポートするページ範囲です。To=0 は末尾までを意味します。
type PageRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// PrintSettings はスプレッドシートのPDF出力に適用する印刷設定です。
// 指定された場合、エクスポート前に全シートへ反映します。
type PrintSettings struct {
	Orientation        string     `json:"orientation,omitempty"`
	PaperSize          string     `json:"paper_size,omitempty"`
	Margins            *Margins   `json:"margins,omitempty"`
	Scaling            *Scaling   `json:"scaling,omitempty"`
	PageRange          *PageRange `json:"page_range,omitempty"`
	CenterHorizontally bool       `json:"center_horizontally,omitempty"`
	CenterVertically   bool       `json:"center_vertically,omitempty"`
}

// OOXMLの用紙サイズコード
var paperSizes = map[string]int{
	"letter":  1,
	"tabloid": 3,
	"legal":   5,
	"a3":      8,
	"a4":      9,
	"a5":      11,
}

// ApplyToWorkbook は印刷設定をワークブックの全シートに反映して保存します。
func (s *PrintSettings) ApplyToWorkbook(path string) error {
	if s == nil {
		return nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("failed to open workbook for print settings: %w", err)
	}
	defer f.Close()

	layout := excelize.PageLayoutOptions{}
	if s.Orientation != "" {
		orientation := "portrait"
		if s.Orientation == "landscape" {
			orientation = "landscape"
		}
		layout.Orientation = &orientation
	}
	if s.PaperSize != "" {
		if size, ok := paperSizes[s.PaperSize]; ok {
			layout.Size = &size
		}
	}
	if s.Scaling != nil {
		switch s.Scaling.Type {
		case "no_scaling":
			scale := uint(100)
			layout.AdjustTo = &scale
		case "percent":
			scale := s.Scaling.Value
			if scale == 0 {
				scale = 100
			}
			layout.AdjustTo = &scale
		case "fit_to":
			w, h := s.Scaling.Width, s.Scaling.Height
			if w <= 0 {
				w = 1
			}
			if h <= 0 {
				h = 1
			}
			layout.FitToWidth = &w
			layout.FitToHeight = &h
		case "fit_sheet_on_one_page":
			one := 1
			layout.FitToWidth = &one
			layout.FitToHeight = &one
		case "fit_all_columns_on_one_page":
			one := 1
			layout.FitToWidth = &one
		case "fit_all_rows_on_one_page":
			one := 1
			layout.FitToHeight = &one
		}
	}

	var margins *excelize.PageLayoutMarginsOptions
	if s.Margins != nil || s.CenterHorizontally || s.CenterVertically {
		margins = &excelize.PageLayoutMarginsOptions{}
		if s.Margins != nil {
			margins.Left = &s.Margins.Left
			margins.Right = &s.Margins.Right
			margins.Top = &s.Margins.Top
			margins.Bottom = &s.Margins.Bottom
		}
		if s.CenterHorizontally {
			h := true
			margins.Horizontally = &h
		}
		if s.CenterVertically {
			v := true
			margins.Vertically = &v
		}
	}

	for _, sheet := range f.GetSheetList() {
		if err := f.SetPageLayout(sheet, &layout); err != nil {
			return fmt.Errorf("failed to apply page layout to sheet %q: %w", sheet, err)
		}
		if margins != nil {
			if err := f.SetPageMargins(sheet, margins); err != nil {
				return fmt.Errorf("failed to apply margins to sheet %q: %w", sheet, err)
			}
		}
	}

	if err := f.Save(); err != nil {
		return fmt.Errorf("failed to save workbook with print settings: %w", err)
	}
	return nil
}
