package render

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeDocxTemplate(t *testing.T, body string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	entries := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`,
		"word/document.xml":   `<?xml version="1.0"?><w:document><w:body><w:p><w:r><w:t>` + body + `</w:t></w:r></w:p></w:body></w:document>`,
	}
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "template.docx")
	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func readDocxBody(t *testing.T, path string) string {
	t.Helper()
	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open rendered docx: %v", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		defer rc.Close()
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := rc.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		return sb.String()
	}
	t.Fatal("word/document.xml not found in rendered docx")
	return ""
}

func TestDocxRender(t *testing.T) {
	path := writeDocxTemplate(t, "Dear ##name##, your code is ##code##")
	engine := NewEngine(nil)

	renderer, err := engine.ForTemplate(path)
	if err != nil {
		t.Fatalf("ForTemplate returned error: %v", err)
	}

	vars, err := renderer.ExtractPlaceholders(path)
	if err != nil {
		t.Fatalf("ExtractPlaceholders returned error: %v", err)
	}
	if len(vars) != 2 || vars[0] != "code" || vars[1] != "name" {
		t.Fatalf("unexpected placeholders: %v", vars)
	}

	out := filepath.Join(t.TempDir(), "out.docx")
	row := map[string]string{"name": "Ann", "code": "A<B"}
	if err := renderer.Render(context.Background(), path, row, out, ""); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	body := readDocxBody(t, out)
	if !strings.Contains(body, "Dear Ann") {
		t.Fatalf("placeholder not substituted: %s", body)
	}
	if !strings.Contains(body, "A&lt;B") {
		t.Fatalf("value not XML-escaped: %s", body)
	}
	if strings.Contains(body, "##name##") {
		t.Fatalf("placeholder left behind: %s", body)
	}
}

func TestDocxRenderKeepsUnknownPlaceholders(t *testing.T) {
	path := writeDocxTemplate(t, "##known## and ##unknown##")
	engine := NewEngine(nil)
	renderer, _ := engine.ForTemplate(path)

	out := filepath.Join(t.TempDir(), "out.docx")
	if err := renderer.Render(context.Background(), path, map[string]string{"known": "X"}, out, ""); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	body := readDocxBody(t, out)
	if !strings.Contains(body, "##unknown##") {
		t.Fatalf("unknown placeholder should stay intact: %s", body)
	}
}

func writeXlsxTemplate(t *testing.T, cells map[string]string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for cell, value := range cells {
		if err := f.SetCellValue("Sheet1", cell, value); err != nil {
			t.Fatalf("SetCellValue: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "template.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	return path
}

func TestXlsxRender(t *testing.T) {
	path := writeXlsxTemplate(t, map[string]string{
		"A1": "Invoice for ##name##",
		"B2": "##amount## EUR",
	})
	engine := NewEngine(nil)
	renderer, err := engine.ForTemplate(path)
	if err != nil {
		t.Fatalf("ForTemplate returned error: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.xlsx")
	row := map[string]string{"name": "Bo", "amount": "42"}
	if err := renderer.Render(context.Background(), path, row, out, ""); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}

	f, err := excelize.OpenFile(out)
	if err != nil {
		t.Fatalf("open rendered xlsx: %v", err)
	}
	defer f.Close()

	a1, _ := f.GetCellValue("Sheet1", "A1")
	if a1 != "Invoice for Bo" {
		t.Fatalf("A1 = %q", a1)
	}
	b2, _ := f.GetCellValue("Sheet1", "B2")
	if b2 != "42 EUR" {
		t.Fatalf("B2 = %q", b2)
	}
}

func TestXlsxRenderUnknownSheet(t *testing.T) {
	path := writeXlsxTemplate(t, map[string]string{"A1": "##name##"})
	engine := NewEngine(nil)
	renderer, _ := engine.ForTemplate(path)

	out := filepath.Join(t.TempDir(), "out.xlsx")
	if err := renderer.Render(context.Background(), path, map[string]string{"name": "x"}, out, "Missing"); err == nil {
		t.Fatal("expected error for unknown sheet")
	}
}

type stubBridge struct {
	ran  [][]string
	fail bool
	out  string
}

func (b *stubBridge) Available() bool { return true }

func (b *stubBridge) Run(ctx context.Context, args ...string) error {
	b.ran = append(b.ran, args)
	if b.fail {
		return context.DeadlineExceeded
	}
	if b.out != "" {
		return os.WriteFile(b.out, []byte("rendered"), 0o640)
	}
	return nil
}

func TestMsgRenderDelegatesToBridge(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "template.msg")
	if err := os.WriteFile(tmpl, []byte("Subject ##name##"), 0o640); err != nil {
		t.Fatalf("write template: %v", err)
	}

	out := filepath.Join(t.TempDir(), "out.msg")
	bridge := &stubBridge{out: out}
	engine := NewEngine(bridge)
	renderer, err := engine.ForTemplate(tmpl)
	if err != nil {
		t.Fatalf("ForTemplate returned error: %v", err)
	}

	if err := renderer.Render(context.Background(), tmpl, map[string]string{"name": "Ann"}, out, ""); err != nil {
		t.Fatalf("Render returned error: %v", err)
	}
	if len(bridge.ran) != 1 || bridge.ran[0][0] != "render-msg" {
		t.Fatalf("unexpected bridge invocation: %#v", bridge.ran)
	}
}

func TestMsgRenderWithoutBridge(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "template.msg")
	if err := os.WriteFile(tmpl, []byte("##x##"), 0o640); err != nil {
		t.Fatalf("write template: %v", err)
	}
	engine := NewEngine(nil)
	renderer, _ := engine.ForTemplate(tmpl)
	if err := renderer.Render(context.Background(), tmpl, nil, filepath.Join(t.TempDir(), "o.msg"), ""); err == nil {
		t.Fatal("expected error without automation bridge")
	}
}

func TestMsgExtractPlaceholdersUTF16(t *testing.T) {
	// UTF-16LE で "##name##" を埋め込む
	var buf bytes.Buffer
	for _, r := range "prefix ##name## suffix" {
		buf.WriteByte(byte(r))
		buf.WriteByte(0)
	}
	tmpl := filepath.Join(t.TempDir(), "template.msg")
	if err := os.WriteFile(tmpl, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("write template: %v", err)
	}

	engine := NewEngine(&stubBridge{})
	renderer, _ := engine.ForTemplate(tmpl)
	vars, err := renderer.ExtractPlaceholders(tmpl)
	if err != nil {
		t.Fatalf("ExtractPlaceholders returned error: %v", err)
	}
	if len(vars) != 1 || vars[0] != "name" {
		t.Fatalf("unexpected placeholders: %v", vars)
	}
}

func TestForTemplateUnsupported(t *testing.T) {
	engine := NewEngine(nil)
	if _, err := engine.ForTemplate("template.txt"); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}
