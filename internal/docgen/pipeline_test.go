package docgen

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/dataset"
	"github.com/yourusername/doc-forge/internal/render"
)

// fakeRenderer はテキストテンプレートの ##変数## を行の値で置換して書き出します。
// xlsxテンプレートの場合は実際のワークブックを生成します。
type fakeRenderer struct {
	count    int
	onRender func(count int)
	failWhen string
}

func (r *fakeRenderer) ExtractPlaceholders(templatePath string) ([]string, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, err
	}
	return dataset.ExtractVariables(string(data)), nil
}

func (r *fakeRenderer) Render(ctx context.Context, templatePath string, row map[string]string, outputPath, sheet string) error {
	r.count++
	if r.onRender != nil {
		defer r.onRender(r.count)
	}

	if r.failWhen != "" {
		for _, v := range row {
			if v == r.failWhen {
				return errors.New("render failed")
			}
		}
	}

	if strings.EqualFold(filepath.Ext(templatePath), ".xlsx") {
		f := excelize.NewFile()
		defer f.Close()
		if err := f.SetCellValue("Sheet1", "A1", row["name"]); err != nil {
			return err
		}
		return f.SaveAs(outputPath)
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return err
	}
	text := string(data)
	for k, v := range row {
		text = strings.ReplaceAll(text, "##"+k+"##", v)
	}
	return os.WriteFile(outputPath, []byte(text), 0o640)
}

type fakeEngine struct {
	renderer *fakeRenderer
	cleared  bool
}

func (e *fakeEngine) ForTemplate(templatePath string) (render.Renderer, error) {
	return e.renderer, nil
}

func (e *fakeEngine) ClearCache() { e.cleared = true }

// fakeConverter は入力ファイルの内容を引き継いだ成果物を生成します。
// ctxSensitive を立てると、渡されたコンテキストが取り消し済みの場合に失敗します。
type fakeConverter struct {
	failFormat   string
	failContains string
	ctxSensitive bool
	calls        int
}

func (c *fakeConverter) Convert(ctx context.Context, inputPath, target, outputDir string, settings *convert.PrintSettings) (string, error) {
	c.calls++
	if c.ctxSensitive {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	if c.failFormat == target {
		if c.failContains == "" || bytes.Contains(data, []byte(c.failContains)) {
			return "", errors.New("conversion failed")
		}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}

	stem := stemOf(inputPath)
	var out string
	switch target {
	case "pdf":
		out = filepath.Join(outputDir, stem+".pdf")
		err = os.WriteFile(out, append([]byte("%PDF\n"), data...), 0o640)
	case "word":
		out = filepath.Join(outputDir, stem+".docx")
		err = os.WriteFile(out, data, 0o640)
	case "excel":
		out = filepath.Join(outputDir, stem+".xlsx")
		err = os.WriteFile(out, data, 0o640)
	case "msg":
		out = filepath.Join(outputDir, stem+".msg")
		err = os.WriteFile(out, data, 0o640)
	default:
		return "", fmt.Errorf("unsupported format: %s", target)
	}
	if err != nil {
		return "", err
	}
	return out, nil
}

// concatMerge はPDF結合の代わりに入力ファイルの内容を順に連結します。
func concatMerge(inputs []string, output string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(output, buf.Bytes(), 0o640)
}

func newTestPipeline(t *testing.T) (*Pipeline, *Store, *fakeRenderer, *fakeConverter) {
	t.Helper()
	store, err := NewStore(t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	renderer := &fakeRenderer{}
	converter := &fakeConverter{}
	p := NewPipeline(store, &fakeEngine{renderer: renderer}, converter, log.New(io.Discard, "", 0))
	p.merge = concatMerge
	return p, store, renderer, converter
}

func writeDataWorkbook(t *testing.T, path string, headers []string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for c, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(c+1, 1)
		if err := f.SetCellValue("Sheet1", cell, h); err != nil {
			t.Fatalf("set header: %v", err)
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue("Sheet1", cell, v); err != nil {
				t.Fatalf("set cell: %v", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save data workbook: %v", err)
	}
}

// makeJob はテスト用のジョブをストアに登録します。templates はファイル名から
// 内容へのマップで、ファイル名の辞書順に優先度が振られます。
func makeJob(t *testing.T, store *Store, formats []string, templates map[string]string, headers []string, rows [][]string) *Job {
	t.Helper()

	job := &Job{
		ID:               "job-" + strings.ReplaceAll(strings.ToLower(t.Name()), "/", "-"),
		OutputFormats:    formats,
		FilenameVariable: "filename",
		TabnameVariable:  "tabname",
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	jobDir := store.JobDir(job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("mkdir job dir: %v", err)
	}

	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		path := filepath.Join(jobDir, name)
		if strings.EqualFold(filepath.Ext(name), ".xlsx") {
			f := excelize.NewFile()
			if err := f.SaveAs(path); err != nil {
				t.Fatalf("save template: %v", err)
			}
			f.Close()
		} else {
			if err := os.WriteFile(path, []byte(templates[name]), 0o640); err != nil {
				t.Fatalf("write template: %v", err)
			}
		}
		job.Templates = append(job.Templates, TemplateRef{
			Path:         path,
			OriginalPath: name,
			Priority:     i + 1,
		})
	}

	job.DataPath = filepath.Join(jobDir, "data.xlsx")
	writeDataWorkbook(t, job.DataPath, headers, rows)

	if err := store.Put(job); err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return job
}

func runJob(t *testing.T, p *Pipeline, job *Job) {
	t.Helper()
	if err := job.TransitionTo(StatusProcessing); err != nil {
		t.Fatalf("transition to processing: %v", err)
	}
	p.Run(context.Background(), job)
}

func archiveEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestEndToEndWordJob(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"Ann", "a"}, {"Bo", "b"}},
	)

	runJob(t, p, job)

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}
	if job.ProcessedRows != 2 || job.FailedRows != 0 {
		t.Fatalf("processed=%d failed=%d", job.ProcessedRows, job.FailedRows)
	}

	jobDir := store.JobDir(job.ID)
	for name, want := range map[string]string{"a.docx": "Dear Ann", "b.docx": "Dear Bo"} {
		data, err := os.ReadFile(filepath.Join(jobDir, "outputs", "word", name))
		if err != nil {
			t.Fatalf("missing output %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("output %s = %q, want %q", name, data, want)
		}
	}

	entries := archiveEntries(t, filepath.Join(jobDir, "results.zip"))
	want := []string{"word/a.docx", "word/b.docx"}
	if len(entries) != len(want) || entries[0] != want[0] || entries[1] != want[1] {
		t.Fatalf("archive entries = %v, want %v", entries, want)
	}
}

func TestMultiTemplatePDFMergeOrder(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	job := makeJob(t, store,
		[]string{"pdf"},
		map[string]string{
			"1_first.docx":  "FIRST ##name##",
			"2_second.docx": "SECOND ##name##",
		},
		[]string{"##name##", "##filename##"},
		[][]string{{"Ann", "a"}},
	)

	runJob(t, p, job)

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}

	jobDir := store.JobDir(job.ID)
	data, err := os.ReadFile(filepath.Join(jobDir, "outputs", "pdf", "a.pdf"))
	if err != nil {
		t.Fatalf("missing merged pdf: %v", err)
	}
	first := bytes.Index(data, []byte("FIRST Ann"))
	second := bytes.Index(data, []byte("SECOND Ann"))
	if first < 0 || second < 0 || first > second {
		t.Fatalf("merged pdf does not preserve priority order: first=%d second=%d", first, second)
	}

	// 中間の個別PDFが成果物ツリーに残っていないこと
	count := 0
	filepath.WalkDir(filepath.Join(jobDir, "outputs"), func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if count != 1 {
		t.Fatalf("expected exactly 1 output file, found %d", count)
	}
	if _, err := os.Stat(filepath.Join(jobDir, "work")); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed after processing")
	}
}

func TestCancellationAtRowBoundary(t *testing.T) {
	p, store, renderer, _ := newTestPipeline(t)
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"r1", "f1"}, {"r2", "f2"}, {"r3", "f3"}, {"r4", "f4"}, {"r5", "f5"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 2行目のレンダリング完了時にキャンセルする。2行目は完走し、3行目は始まらない。
	renderer.onRender = func(count int) {
		if count == 2 {
			cancel()
		}
	}

	if err := job.TransitionTo(StatusProcessing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	p.Run(ctx, job)

	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if job.ProcessedRows != 2 {
		t.Fatalf("processed = %d, want 2", job.ProcessedRows)
	}
	if _, err := os.Stat(filepath.Join(store.JobDir(job.ID), "outputs", "word", "f3.docx")); !os.IsNotExist(err) {
		t.Fatalf("row 3 output must not exist after cancellation")
	}
}

func TestCancellationDoesNotInterruptInFlightConversion(t *testing.T) {
	p, store, renderer, converter := newTestPipeline(t)
	converter.ctxSensitive = true
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"r1", "f1"}, {"r2", "f2"}, {"r3", "f3"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 2行目のレンダリング直後にキャンセルする。同じ行の変換は取り消し済みの
	// コンテキストの影響を受けずに完走しなければならない。
	renderer.onRender = func(count int) {
		if count == 2 {
			cancel()
		}
	}

	if err := job.TransitionTo(StatusProcessing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	p.Run(ctx, job)

	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if job.ProcessedRows != 2 {
		t.Fatalf("processed = %d, want 2 (in-flight row must finish)", job.ProcessedRows)
	}
	outputs := filepath.Join(store.JobDir(job.ID), "outputs", "word")
	for _, name := range []string{"f1.docx", "f2.docx"} {
		if _, err := os.Stat(filepath.Join(outputs, name)); err != nil {
			t.Fatalf("expected output %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outputs, "f3.docx")); !os.IsNotExist(err) {
		t.Fatalf("row 3 output must not exist after cancellation")
	}
}

func TestConcurrentReadsDuringProcessing(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)

	rows := make([][]string, 0, 50)
	for i := 0; i < 50; i++ {
		rows = append(rows, []string{fmt.Sprintf("name%d", i), fmt.Sprintf("f%d", i)})
	}
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		rows,
	)

	// パイプラインの進捗更新と並行してAPI側の読み取りを回し続ける
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if got, ok := store.Get(job.ID); ok {
					snap := got.Clone()
					if snap.ProcessedRows < 0 || snap.ProcessedRows > snap.TotalRows && snap.TotalRows > 0 {
						t.Errorf("inconsistent snapshot: processed=%d total=%d", snap.ProcessedRows, snap.TotalRows)
						return
					}
					_ = got.CurrentStatus()
				}
			}
		}()
	}

	runJob(t, p, job)
	close(done)
	wg.Wait()

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}
	if job.ProcessedRows != 50 {
		t.Fatalf("processed = %d, want 50", job.ProcessedRows)
	}
}

func TestZeroProcessedRowsNeverCompletes(t *testing.T) {
	p, store, renderer, _ := newTestPipeline(t)
	renderer.failWhen = "Ann"
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"Ann", "a"}},
	)

	runJob(t, p, job)

	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.ProcessedRows != 0 || job.FailedRows != 1 {
		t.Fatalf("processed=%d failed=%d", job.ProcessedRows, job.FailedRows)
	}
	if job.ErrorMessage == "" {
		t.Fatal("failed job must carry an error message")
	}
}

func TestPartialRowFailureStillCompletes(t *testing.T) {
	p, store, _, converter := newTestPipeline(t)
	converter.failFormat = "word"
	converter.failContains = "Bo"
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"Ann", "a"}, {"Bo", "b"}},
	)

	runJob(t, p, job)

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}
	if job.ProcessedRows != 1 || job.FailedRows != 1 {
		t.Fatalf("processed=%d failed=%d", job.ProcessedRows, job.FailedRows)
	}
	if job.ErrorMessage == "" {
		t.Fatal("row failure must be recorded in the job error message")
	}
}

func TestAggregatesPreserveRowOrder(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	job := makeJob(t, store,
		[]string{"pdf_merged", "excel_workbook"},
		map[string]string{"sheet.xlsx": ""},
		[]string{"##name##", "##filename##", "##tabname##"},
		[][]string{
			{"alpha", "f1", "Tab/One"},
			{"beta", "f2", "Tab/One"},
			{"gamma", "f3", strings.Repeat("x", 40)},
		},
	)

	runJob(t, p, job)

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}

	jobDir := store.JobDir(job.ID)

	// 統合ワークブック: タブは行順で、禁止文字の置換・31文字制限・重複サフィックスが効いている
	wb, err := excelize.OpenFile(filepath.Join(jobDir, "outputs", "excel_workbook", "workbook.xlsx"))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	tabs := wb.GetSheetList()
	want := []string{"Tab_One", "Tab_One_2", strings.Repeat("x", 31)}
	if len(tabs) != len(want) {
		t.Fatalf("tabs = %v, want %v", tabs, want)
	}
	for i := range want {
		if tabs[i] != want[i] {
			t.Fatalf("tab[%d] = %q, want %q", i, tabs[i], want[i])
		}
	}
	for i, name := range []string{"alpha", "beta", "gamma"} {
		v, err := wb.GetCellValue(tabs[i], "A1")
		if err != nil || v != name {
			t.Fatalf("tab %q A1 = %q (err %v), want %q", tabs[i], v, err, name)
		}
	}

	// 結合PDF: 行順に連結されている
	merged, err := os.ReadFile(filepath.Join(jobDir, "outputs", "pdf_merged", "merged.pdf"))
	if err != nil {
		t.Fatalf("missing merged pdf: %v", err)
	}
	// fakeConverterのPDFはxlsxバイナリを内包するため順序はサイズで確認できないが、
	// 3つの行PDFが連結されているので %PDF マーカーが3回現れる
	if n := bytes.Count(merged, []byte("%PDF")); n != 3 {
		t.Fatalf("merged pdf contains %d row parts, want 3", n)
	}

	// 個別pdf/excelは要求していないので成果物ツリーに残らない
	for _, dir := range []string{"pdf", "excel"} {
		if _, err := os.Stat(filepath.Join(jobDir, "outputs", dir)); !os.IsNotExist(err) {
			t.Fatalf("unrequested format dir %q must not exist in outputs", dir)
		}
	}
}

func TestFilenameResolution(t *testing.T) {
	if got := resolveBaseName(`in/va:lid*name?`, 0); got != "invalidname" {
		t.Fatalf("resolveBaseName = %q", got)
	}
	if got := resolveBaseName("", 4); got != "row_5" {
		t.Fatalf("fallback = %q, want row_5", got)
	}
	if got := resolveBaseName(`\/:*?"<>|`, 2); got != "row_3" {
		t.Fatalf("all-invalid fallback = %q, want row_3", got)
	}
}

func TestCustomOutputDirectoryReceivesArchive(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)
	dest := filepath.Join(t.TempDir(), "dest")
	job := makeJob(t, store,
		[]string{"word"},
		map[string]string{"letter.docx": "Dear ##name##"},
		[]string{"##name##", "##filename##"},
		[][]string{{"Ann", "a"}},
	)
	job.OutputDirectory = dest

	runJob(t, p, job)

	if job.Status != StatusCompleted {
		t.Fatalf("status = %s (error: %s)", job.Status, job.ErrorMessage)
	}
	if info, err := os.Stat(filepath.Join(dest, "results.zip")); err != nil || info.Size() == 0 {
		t.Fatalf("archive copy missing in custom destination: %v", err)
	}
}
