package render

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// docxRenderer はWordテンプレート（docx）を展開します。
// docxはXML群のzipなので、word/ 配下のXMLに対して文字列置換を行い、
// それ以外のエントリはバイト列のまま書き戻します。
type docxRenderer struct {
	cache *Cache
}

func (r *docxRenderer) ExtractPlaceholders(templatePath string) ([]string, error) {
	data, err := r.cache.Get(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open docx template: %w", err)
	}

	var names []string
	for _, file := range reader.File {
		if !isWordXML(file.Name) {
			continue
		}
		content, err := readZipEntry(file)
		if err != nil {
			return nil, err
		}
		for _, m := range variablePattern.FindAllStringSubmatch(string(content), -1) {
			names = append(names, m[1])
		}
	}
	return uniqueSorted(names), nil
}

func (r *docxRenderer) Render(ctx context.Context, templatePath string, row map[string]string, outputPath string, sheet string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := r.cache.Get(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open docx template: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	for _, file := range reader.File {
		content, err := readZipEntry(file)
		if err != nil {
			writer.Close()
			return err
		}
		if isWordXML(file.Name) {
			content = []byte(substitute(string(content), row))
		}

		header := file.FileHeader
		w, err := writer.CreateHeader(&header)
		if err != nil {
			writer.Close()
			return err
		}
		if _, err := w.Write(content); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize rendered docx: %w", err)
	}
	return out.Close()
}

// isWordXML は本文・ヘッダー・フッターなど置換対象のXMLかどうかを判定します。
func isWordXML(name string) bool {
	return strings.HasPrefix(name, "word/") && strings.HasSuffix(name, ".xml")
}

func readZipEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// substitute は text 中の ##name## を row の値（XMLエスケープ済み）に置換します。
// row に無い変数はそのまま残します。
func substitute(text string, row map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(marker string) string {
		name := variablePattern.FindStringSubmatch(marker)[1]
		value, ok := row[name]
		if !ok {
			return marker
		}
		return escapeXML(value)
	})
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
