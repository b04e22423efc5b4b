package docgen

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/dataset"
	"github.com/yourusername/doc-forge/internal/render"
)

// RenderEngine はテンプレート種別に応じた Renderer の選択を提供します。
type RenderEngine interface {
	ForTemplate(templatePath string) (render.Renderer, error)
	ClearCache()
}

// DocumentConverter は1ドキュメントの形式変換を提供します。
type DocumentConverter interface {
	Convert(ctx context.Context, inputPath, target, outputDir string, settings *convert.PrintSettings) (string, error)
}

// pdfMerger はPDFの結合処理です。行内のテンプレート結合と行横断の集約結合の両方で使います。
type pdfMerger func(inputs []string, output string) error

func mergePDFs(inputs []string, output string) error {
	return pdfapi.MergeCreateFile(inputs, output, false, nil)
}

// Pipeline は1ジョブぶんの行処理・集約・アーカイブ作成を実行します。
// ジョブごとに単一のゴルーチンから呼ばれる前提で、ジョブ状態を直接更新します。
type Pipeline struct {
	store     *Store
	engine    RenderEngine
	converter DocumentConverter
	merge     pdfMerger
	logger    *log.Logger
}

// NewPipeline は Pipeline を作成します。
func NewPipeline(store *Store, engine RenderEngine, converter DocumentConverter, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		store:     store,
		engine:    engine,
		converter: converter,
		merge:     mergePDFs,
		logger:    logger,
	}
}

// rowArtifacts は集約パスのために行単位で記録する成果物です。
type rowArtifacts struct {
	pdfPath   string
	excelPath string
	tabName   string
}

// renderedDoc はレンダリング済みドキュメントと、その元テンプレートの組です。
type renderedDoc struct {
	path     string
	template TemplateRef
}

// Run は PROCESSING 状態のジョブを最後まで処理し、終端状態へ遷移させて永続化します。
// 行単位の失敗はジョブを止めず、キャンセルは行境界でのみ検出します。
func (p *Pipeline) Run(ctx context.Context, job *Job) {
	defer p.engine.ClearCache()

	saver := newBatchedSaver(p.store, job)
	jobDir := p.store.JobDir(job.ID)
	outputsDir := filepath.Join(jobDir, "outputs")
	workDir := filepath.Join(jobDir, "work")

	fail := func(message string, err error) {
		if err != nil {
			p.logger.Printf("job %s failed: %s: %v", job.ID, message, err)
			job.RecordError(fmt.Sprintf("%s: %v", message, err))
		} else {
			p.logger.Printf("job %s failed: %s", job.ID, message)
			job.RecordError(message)
		}
		if terr := job.TransitionTo(StatusFailed); terr != nil {
			p.logger.Printf("job %s: %v", job.ID, terr)
		}
		if serr := saver.Flush(); serr != nil {
			p.logger.Printf("job %s: failed to persist final state: %v", job.ID, serr)
		}
	}

	table, err := dataset.Parse(job.DataPath, job.DataSheet)
	if err != nil {
		fail("データソースの読み込みに失敗しました", err)
		return
	}

	job.Update(func() {
		job.TotalRows = table.TotalRows()
		if job.Metadata == nil {
			job.Metadata = map[string]string{}
		}
		job.Metadata["data_sheet"] = table.Sheet
	})
	if err := saver.Flush(); err != nil {
		fail("ジョブ状態の保存に失敗しました", err)
		return
	}

	templates := append([]TemplateRef(nil), job.Templates...)
	sort.SliceStable(templates, func(i, k int) bool {
		return templates[i].Priority < templates[k].Priority
	})

	for _, format := range job.OutputFormats {
		if err := os.MkdirAll(filepath.Join(outputsDir, format), 0o755); err != nil {
			fail("出力ディレクトリの作成に失敗しました", err)
			return
		}
	}

	usedNames := map[string]struct{}{}
	artifacts := make([]rowArtifacts, 0, len(table.Rows))
	cancelled := false

	// 行の処理にはキャンセルを伝播しないコンテキストを渡す。キャンセルは
	// 次の行境界でのみ効き、実行中のrender/convertは最後まで走らせる。
	// 外部プロセスの打ち切りは各バックエンド自身のタイムアウトに任せる。
	rowCtx := context.WithoutCancel(ctx)

	for index, row := range table.Rows {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		art, produced, rowErr := p.processRow(rowCtx, job, templates, index, row, outputsDir, workDir, usedNames)
		if rowErr != nil {
			p.logger.Printf("job %s row %d: %v", job.ID, index, rowErr)
			job.RecordError(rowErr.Error())
		}
		job.Update(func() {
			if produced > 0 {
				job.ProcessedRows++
			} else {
				job.FailedRows++
			}
		})
		artifacts = append(artifacts, art)

		if err := saver.RowDone(); err != nil {
			p.logger.Printf("job %s: failed to persist progress: %v", job.ID, err)
		}
	}

	if cancelled {
		if err := job.TransitionTo(StatusCancelled); err != nil {
			p.logger.Printf("job %s: %v", job.ID, err)
		}
		os.RemoveAll(workDir)
		if err := saver.Flush(); err != nil {
			p.logger.Printf("job %s: failed to persist cancellation: %v", job.ID, err)
		}
		return
	}

	if err := p.finalizeAggregates(job, jobDir, outputsDir, artifacts); err != nil {
		os.RemoveAll(workDir)
		fail("集約成果物の作成に失敗しました", err)
		return
	}
	os.RemoveAll(workDir)

	// 完了条件: 1行以上の成功と、ディスク上に実在する成果物が1つ以上あること
	if job.ProcessedRows < 1 || !p.hasOutputOnDisk(jobDir, job) {
		fail("正常に処理できた行がないため、ジョブを完了にできません。", nil)
		return
	}

	archivePath := filepath.Join(jobDir, "results.zip")
	if err := createArchive(outputsDir, archivePath); err != nil {
		fail("結果アーカイブの作成に失敗しました", err)
		return
	}
	job.Update(func() {
		job.ArchivePath = filepath.Join(job.ID, "results.zip")
	})

	// カスタム出力先へのコピーはベストエフォート。失敗してもジョブは完了扱い。
	if job.OutputDirectory != "" {
		if err := copyInto(archivePath, job.OutputDirectory); err != nil {
			p.logger.Printf("job %s: failed to copy archive to %s: %v", job.ID, job.OutputDirectory, err)
		}
	}

	if err := job.TransitionTo(StatusCompleted); err != nil {
		p.logger.Printf("job %s: %v", job.ID, err)
	}
	if err := saver.Flush(); err != nil {
		p.logger.Printf("job %s: failed to persist completion: %v", job.ID, err)
	}
}

// processRow は1行ぶんのレンダリングと形式変換を行います。
// 戻り値は集約用の成果物、生成できたファイル数、最初に発生したエラーです。
// 一部の形式が失敗しても他の形式の生成は続行します。
func (p *Pipeline) processRow(ctx context.Context, job *Job, templates []TemplateRef, index int, row dataset.Row, outputsDir, workDir string, usedNames map[string]struct{}) (rowArtifacts, int, error) {
	var art rowArtifacts
	var firstErr error
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	base := resolveBaseName(row[job.FilenameVariable], index)
	if _, taken := usedNames[base]; taken {
		base = fmt.Sprintf("%s_%d", base, index+1)
	}
	usedNames[base] = struct{}{}

	rowWork := filepath.Join(workDir, fmt.Sprintf("row_%d", index))
	if err := os.MkdirAll(rowWork, 0o755); err != nil {
		return art, 0, err
	}
	defer os.RemoveAll(rowWork)

	// 全テンプレートを優先順にレンダリングする
	var rendered []renderedDoc
	for ti, tpl := range templates {
		renderer, err := p.engine.ForTemplate(tpl.Path)
		if err != nil {
			recordErr(err)
			continue
		}
		name := base
		if len(templates) > 1 {
			name = fmt.Sprintf("%s_%d", base, ti+1)
		}
		docPath := filepath.Join(rowWork, name+filepath.Ext(tpl.Path))
		if err := renderer.Render(ctx, tpl.Path, row, docPath, tpl.Sheet); err != nil {
			recordErr(fmt.Errorf("テンプレート %s の展開に失敗しました: %w", filepath.Base(tpl.OriginalPath), err))
			continue
		}
		rendered = append(rendered, renderedDoc{path: docPath, template: tpl})
	}
	if len(rendered) == 0 {
		if firstErr == nil {
			firstErr = fmt.Errorf("row %d produced no rendered documents", index)
		}
		return art, 0, firstErr
	}

	produced := 0
	collect := func(path, format string) {
		rel, err := filepath.Rel(p.store.JobDir(job.ID), path)
		if err != nil {
			rel = path
		}
		job.Update(func() {
			job.OutputFiles = append(job.OutputFiles, OutputFile{Path: rel, Format: format, RowIndex: index})
		})
		produced++
	}

	// pdf / pdf_merged: 行ぶんのPDFを1つ作る。pdfが要求されていない場合は
	// 集約専用の作業領域に作り、最終アーカイブには含めない。
	wantPDF := hasFormat(job, "pdf")
	if wantPDF || hasFormat(job, "pdf_merged") {
		destDir := filepath.Join(outputsDir, "pdf")
		if !wantPDF {
			destDir = filepath.Join(workDir, "aggregate", "pdf")
		}
		pdfPath, err := p.rowPDF(ctx, job, base, rendered, destDir, rowWork)
		if err != nil {
			recordErr(err)
		} else {
			art.pdfPath = pdfPath
			if wantPDF {
				collect(pdfPath, "pdf")
			} else {
				// 集約専用でも行PDFの生成成功は行の成果として数える
				produced++
			}
		}
	}

	// excel / excel_workbook: 行ぶんのワークブックを1つ作る
	wantExcel := hasFormat(job, "excel")
	if wantExcel || hasFormat(job, "excel_workbook") {
		destDir := filepath.Join(outputsDir, "excel")
		if !wantExcel {
			destDir = filepath.Join(workDir, "aggregate", "excel")
		}
		excelPath, err := p.rowExcel(ctx, job, base, rendered, destDir)
		if err != nil {
			recordErr(err)
		} else {
			art.excelPath = excelPath
			art.tabName = strings.TrimSpace(row[job.TabnameVariable])
			if wantExcel {
				collect(excelPath, "excel")
			} else {
				produced++
			}
		}
	}

	// 残りの形式はドキュメントごとに個別変換する
	for _, format := range job.OutputFormats {
		if format == "pdf" || format == "excel" || convert.IsAggregateFormat(format) {
			continue
		}
		destDir := filepath.Join(outputsDir, format)
		for _, doc := range rendered {
			out, err := p.converter.Convert(ctx, doc.path, format, destDir, job.PrintSettings)
			if err != nil {
				recordErr(err)
				continue
			}
			collect(out, format)
		}
	}

	return art, produced, firstErr
}

// rowPDF は1行ぶんのPDFを作ります。テンプレートが複数の場合は個別にPDF化し、
// 優先順で1つに結合して中間PDFは破棄します。
func (p *Pipeline) rowPDF(ctx context.Context, job *Job, base string, rendered []renderedDoc, destDir, rowWork string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(destDir, base+".pdf")

	if len(rendered) == 1 {
		out, err := p.converter.Convert(ctx, rendered[0].path, "pdf", destDir, job.PrintSettings)
		if err != nil {
			return "", err
		}
		if out != target {
			if err := os.Rename(out, target); err != nil {
				return "", err
			}
		}
		return target, nil
	}

	parts := make([]string, 0, len(rendered))
	for _, doc := range rendered {
		out, err := p.converter.Convert(ctx, doc.path, "pdf", rowWork, job.PrintSettings)
		if err != nil {
			return "", err
		}
		parts = append(parts, out)
	}
	if err := p.merge(parts, target); err != nil {
		return "", fmt.Errorf("行内PDFの結合に失敗しました: %w", err)
	}
	for _, part := range parts {
		os.Remove(part)
	}
	return target, nil
}

// rowExcel は1行ぶんのExcelを作ります。対象となるのはスプレッドシート由来の
// ドキュメントのみで、テンプレートが複数の場合はテンプレートごとに1タブの
// ワークブックへまとめます。
func (p *Pipeline) rowExcel(ctx context.Context, job *Job, base string, rendered []renderedDoc, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	var sources []renderedDoc
	for _, doc := range rendered {
		if strings.EqualFold(filepath.Ext(doc.path), ".xlsx") {
			sources = append(sources, doc)
		}
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("excel output requested but no spreadsheet templates produced documents")
	}

	target := filepath.Join(destDir, base+".xlsx")
	if len(sources) == 1 {
		out, err := p.converter.Convert(ctx, sources[0].path, "excel", destDir, job.PrintSettings)
		if err != nil {
			return "", err
		}
		if out != target {
			if err := os.Rename(out, target); err != nil {
				return "", err
			}
		}
		return target, nil
	}

	namer := newTabNamer()
	entries := make([]workbookEntry, 0, len(sources))
	for i, src := range sources {
		entries = append(entries, workbookEntry{
			SourcePath: src.path,
			Tab:        namer.Name(stemOf(src.template.OriginalPath), i),
		})
	}
	if err := buildWorkbook(target, entries); err != nil {
		return "", err
	}
	return target, nil
}

// finalizeAggregates は行横断の集約成果物（結合PDF・統合ワークブック）を作ります。
// どちらも行の処理順を保持します。
func (p *Pipeline) finalizeAggregates(job *Job, jobDir, outputsDir string, artifacts []rowArtifacts) error {
	if hasFormat(job, "pdf_merged") {
		var parts []string
		for _, art := range artifacts {
			if art.pdfPath != "" {
				parts = append(parts, art.pdfPath)
			}
		}
		if len(parts) == 0 {
			return fmt.Errorf("結合対象のPDFが1つもありません")
		}
		target := filepath.Join(outputsDir, "pdf_merged", "merged.pdf")
		if err := p.merge(parts, target); err != nil {
			return fmt.Errorf("全行PDFの結合に失敗しました: %w", err)
		}
		rel, err := filepath.Rel(jobDir, target)
		if err != nil {
			rel = target
		}
		job.Update(func() {
			job.OutputFiles = append(job.OutputFiles, OutputFile{Path: rel, Format: "pdf_merged", RowIndex: -1})
		})
	}

	if hasFormat(job, "excel_workbook") {
		namer := newTabNamer()
		var entries []workbookEntry
		for i, art := range artifacts {
			if art.excelPath == "" {
				continue
			}
			entries = append(entries, workbookEntry{
				SourcePath: art.excelPath,
				Tab:        namer.Name(art.tabName, i),
			})
		}
		if len(entries) == 0 {
			return fmt.Errorf("統合ワークブックに取り込むシートが1つもありません")
		}
		target := filepath.Join(outputsDir, "excel_workbook", "workbook.xlsx")
		if err := buildWorkbook(target, entries); err != nil {
			return err
		}
		rel, err := filepath.Rel(jobDir, target)
		if err != nil {
			rel = target
		}
		job.Update(func() {
			job.OutputFiles = append(job.OutputFiles, OutputFile{Path: rel, Format: "excel_workbook", RowIndex: -1})
		})
	}

	return nil
}

// hasOutputOnDisk は記録済みの成果物のうち少なくとも1つが実在するかを確認します。
func (p *Pipeline) hasOutputOnDisk(jobDir string, job *Job) bool {
	for _, out := range job.OutputFiles {
		path := out.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(jobDir, path)
		}
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return true
		}
	}
	return false
}

func hasFormat(job *Job, format string) bool {
	for _, f := range job.OutputFormats {
		if f == format {
			return true
		}
	}
	return false
}

// ファイル名に使えない文字は取り除く
var filenameSanitizer = strings.NewReplacer(
	"<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "",
)

// resolveBaseName はファイル名変数の値から出力ベース名を決めます。
// 値が空、または無効文字を除いて空になる場合は位置ベースの名前にフォールバックします。
func resolveBaseName(raw string, index int) string {
	name := filenameSanitizer.Replace(raw)
	name = strings.Trim(strings.TrimSpace(name), ". ")
	if name == "" {
		return fmt.Sprintf("row_%d", index+1)
	}
	return name
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// copyInto は file を dir 配下に同名でコピーします。
func copyInto(file, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	in, err := os.Open(file)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(dir, filepath.Base(file)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
