package render

import (
	"context"
	"fmt"
	"os"
	"unicode/utf16"

	"github.com/yourusername/doc-forge/internal/automation"
)

// msgRenderer はOutlookメッセージテンプレート（msg）を展開します。
// msgはOLE複合ファイルでバイト列の差し替えでは構造が壊れるため、
// 展開そのものは自動操作ブリッジに委譲します。
type msgRenderer struct {
	bridge automation.Bridge
}

// ExtractPlaceholders はmsgのバイト列から ##変数## を走査します。
// 件名・本文はASCIIまたはUTF-16LEで格納されるため両方の表現を探します。
func (r *msgRenderer) ExtractPlaceholders(templatePath string) ([]string, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read msg template: %w", err)
	}

	names := variableNamesFromBytes(data)
	names = append(names, variableNamesFromBytes(decodeUTF16LE(data))...)
	return uniqueSorted(names), nil
}

func (r *msgRenderer) Render(ctx context.Context, templatePath string, row map[string]string, outputPath string, sheet string) error {
	if r.bridge == nil || !r.bridge.Available() {
		return fmt.Errorf("msg templates require the automation bridge")
	}

	args := []string{"render-msg", "--template", templatePath, "--output", outputPath}
	for name, value := range row {
		args = append(args, "--set", name+"="+value)
	}
	if err := r.bridge.Run(ctx, args...); err != nil {
		return fmt.Errorf("failed to render msg template: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("rendered msg was not created: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("rendered msg is empty: %s", outputPath)
	}
	return nil
}

func variableNamesFromBytes(data []byte) []string {
	var names []string
	for _, m := range variablePattern.FindAllSubmatch(data, -1) {
		names = append(names, string(m[1]))
	}
	return names
}

// decodeUTF16LE はUTF-16LEと仮定してバイト列を文字列化したものを返します。
// 奇数長など解釈できない場合は空を返します。
func decodeUTF16LE(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	u16 := make([]uint16, len(data)/2)
	for i := range u16 {
		u16[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return []byte(string(utf16.Decode(u16)))
}
