package docgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/convert"
	"github.com/yourusername/doc-forge/internal/dataset"
	"github.com/yourusername/doc-forge/internal/tracker"
)

const taskTypeProcess = "docgen:process"

// 強制削除時に処理停止を待つ猶予と、ディレクトリ削除のリトライ設定。
var forceDeleteGrace = 5 * time.Second

const (
	deleteRetryCount   = 3
	deleteRetryBackoff = time.Second
)

// Manager はジョブの作成・起動・取消・削除とワーカーの管理を担います。
type Manager struct {
	cfg      *config.Config
	store    *Store
	tracker  *tracker.Tracker
	pipeline *Pipeline
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   *log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// taskPayload はジョブ処理タスクのペイロードです。
type taskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, fileTracker *tracker.Tracker, pipeline *Pipeline, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if fileTracker == nil {
		return nil, errors.New("tracker is nil")
	}
	if pipeline == nil {
		return nil, errors.New("pipeline is nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.JobConcurrency,
			Queues: map[string]int{
				"docgen": 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:      cfg,
		store:    store,
		tracker:  fileTracker,
		pipeline: pipeline,
		client:   client,
		server:   server,
		mux:      mux,
		logger:   logger,
		cancels:  map[string]context.CancelFunc{},
	}
	mux.HandleFunc(taskTypeProcess, manager.handleProcessTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// TemplateInput はジョブ作成時の1テンプレート指定です。
type TemplateInput struct {
	Path     string
	Priority int
	Sheet    string
}

// CreateRequest はジョブ作成の入力です。
type CreateRequest struct {
	Templates        []TemplateInput
	DataPath         string
	DataSheet        string
	OutputFormats    []string
	FilenameVariable string
	TabnameVariable  string
	PrintSettings    *convert.PrintSettings
	OutputDirectory  string
}

// Create は入力を検証・追跡し、PENDING のジョブを作成して永続化します。
// テンプレートとデータソースはジョブディレクトリへコピーされ、以降は
// 元ファイルの変更から隔離されます。
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if len(req.Templates) == 0 {
		return nil, newError("INVALID_INPUT", "テンプレートを1つ以上指定してください。", nil)
	}
	if strings.TrimSpace(req.DataPath) == "" {
		return nil, newError("INVALID_INPUT", "データソースを指定してください。", nil)
	}
	if len(req.OutputFormats) == 0 {
		return nil, newError("INVALID_INPUT", "出力形式を1つ以上指定してください。", nil)
	}
	for _, format := range req.OutputFormats {
		if !config.IsOutputFormat(format) {
			return nil, newError("INVALID_INPUT",
				fmt.Sprintf("出力形式 %q は使用できません。利用可能: %s", format, strings.Join(config.OutputFormats, ", ")),
				nil)
		}
	}
	for _, tpl := range req.Templates {
		if !hasAllowedExtension(tpl.Path, config.AllowedTemplateExtensions) {
			return nil, newError("INVALID_INPUT",
				fmt.Sprintf("テンプレート %s の形式はサポートされていません。", filepath.Base(tpl.Path)),
				nil)
		}
	}
	if !hasAllowedExtension(req.DataPath, config.AllowedDataExtensions) {
		return nil, newError("INVALID_INPUT", "データソースはExcelファイルを指定してください。", nil)
	}

	job := &Job{
		ID:               uuid.NewString(),
		DataSheet:        req.DataSheet,
		OutputFormats:    append([]string(nil), req.OutputFormats...),
		FilenameVariable: dataset.StripMarkers(defaultString(req.FilenameVariable, DefaultFilenameVariable)),
		TabnameVariable:  dataset.StripMarkers(defaultString(req.TabnameVariable, DefaultTabnameVariable)),
		PrintSettings:    req.PrintSettings,
		OutputDirectory:  req.OutputDirectory,
		Status:           StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	job.UpdatedAt = job.CreatedAt

	jobDir := m.store.JobDir(job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}

	cleanup := func() { os.RemoveAll(jobDir) }

	for i, tpl := range req.Templates {
		entry, _, err := m.tracker.Track(tpl.Path)
		if err != nil {
			cleanup()
			if errors.Is(err, tracker.ErrNotFound) {
				return nil, newError("INVALID_INPUT",
					fmt.Sprintf("テンプレート %s が見つかりません。", tpl.Path), err)
			}
			return nil, err
		}

		local := filepath.Join(jobDir, fmt.Sprintf("template_%d%s", i+1, filepath.Ext(tpl.Path)))
		if err := copyFileTo(entry.LocalPath, local); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to copy template into job dir: %w", err)
		}

		priority := tpl.Priority
		if priority == 0 {
			priority = i + 1
		}
		job.Templates = append(job.Templates, TemplateRef{
			Path:         local,
			OriginalPath: tpl.Path,
			FileID:       tracker.FileID(tpl.Path),
			Priority:     priority,
			Sheet:        tpl.Sheet,
		})
	}

	dataEntry, _, err := m.tracker.Track(req.DataPath)
	if err != nil {
		cleanup()
		if errors.Is(err, tracker.ErrNotFound) {
			return nil, newError("INVALID_INPUT",
				fmt.Sprintf("データソース %s が見つかりません。", req.DataPath), err)
		}
		return nil, err
	}
	job.DataPath = filepath.Join(jobDir, "data"+filepath.Ext(req.DataPath))
	job.DataOriginalPath = req.DataPath
	job.DataFileID = tracker.FileID(req.DataPath)
	if err := copyFileTo(dataEntry.LocalPath, job.DataPath); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to copy data source into job dir: %w", err)
	}

	placeholders, err := m.extractPlaceholders(job.Templates)
	if err != nil {
		cleanup()
		return nil, newError("INVALID_INPUT", "テンプレートの変数を読み取れませんでした。", err)
	}
	job.Placeholders = placeholders

	if err := m.store.Put(job); err != nil {
		cleanup()
		return nil, err
	}
	return job.Clone(), nil
}

// Refresh はジョブに取り込み済みの入力ファイルを元ファイルの最新内容へ
// 更新します。元ファイルが変更されたか、ジョブ内のコピーが失われた入力のみ
// 再追跡・再コピーし、テンプレート変数も読み直します。
// 処理が始まったジョブの入力は更新できません。
func (m *Manager) Refresh(ctx context.Context, jobID string) (*Job, error) {
	job, ok := m.store.Get(jobID)
	if !ok {
		return nil, newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}
	if job.CurrentStatus() != StatusPending {
		return nil, newError("STATE_ERROR", "処理が始まったジョブの入力は更新できません。", nil)
	}

	snap := job.Clone()
	refreshOne := func(originalPath, localPath string) error {
		if originalPath == "" {
			return nil
		}
		_, statErr := os.Stat(localPath)
		if !m.tracker.IsChanged(originalPath) && statErr == nil {
			return nil
		}
		entry, _, err := m.tracker.Track(originalPath)
		if err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return newError("INVALID_INPUT",
					fmt.Sprintf("元ファイル %s が見つかりません。", originalPath), err)
			}
			return err
		}
		return copyFileTo(entry.LocalPath, localPath)
	}

	for _, tpl := range snap.Templates {
		if err := refreshOne(tpl.OriginalPath, tpl.Path); err != nil {
			return nil, err
		}
	}
	if err := refreshOne(snap.DataOriginalPath, snap.DataPath); err != nil {
		return nil, err
	}

	placeholders, err := m.extractPlaceholders(snap.Templates)
	if err != nil {
		return nil, newError("INVALID_INPUT", "テンプレートの変数を読み取れませんでした。", err)
	}
	job.Update(func() {
		job.Placeholders = placeholders
	})

	if err := m.store.Save(job); err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// extractPlaceholders は全テンプレートの変数名を集めて重複を除き、辞書順で返します。
func (m *Manager) extractPlaceholders(templates []TemplateRef) ([]string, error) {
	seen := map[string]struct{}{}
	var names []string
	for _, tpl := range templates {
		renderer, err := m.pipeline.engine.ForTemplate(tpl.Path)
		if err != nil {
			return nil, err
		}
		vars, err := renderer.ExtractPlaceholders(tpl.Path)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			names = append(names, v)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Start はジョブを非同期処理キューへ投入します。PENDING のジョブのみ開始できます。
func (m *Manager) Start(ctx context.Context, jobID string) error {
	job, ok := m.store.Get(jobID)
	if !ok {
		return newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}
	if job.CurrentStatus() != StatusPending {
		return newError("STATE_ERROR", "このジョブは開始できる状態ではありません。", nil)
	}

	body, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeProcess, body, asynq.Queue("docgen"))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (m *Manager) handleProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.Process(ctx, payload.JobID)
}

// Process はジョブのパイプラインを同期実行します。通常はワーカー経由で呼ばれます。
// PENDING 以外のジョブは開始できません。
func (m *Manager) Process(ctx context.Context, jobID string) error {
	job, ok := m.store.Get(jobID)
	if !ok {
		return newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}

	if err := job.TransitionTo(StatusProcessing); err != nil {
		return err
	}
	if err := m.store.Save(job); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, jobID)
		m.mu.Unlock()
	}()

	m.pipeline.Run(runCtx, job)
	return nil
}

// Cancel はジョブの協調的キャンセルを要求します。何度呼んでも安全で、
// 処理中でないジョブに対しては何もしません。
func (m *Manager) Cancel(jobID string) error {
	if _, ok := m.store.Get(jobID); !ok {
		return newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}

	m.mu.Lock()
	cancel, running := m.cancels[jobID]
	m.mu.Unlock()
	if running {
		cancel()
	}
	return nil
}

// Delete はジョブとそのディレクトリを削除します。処理中のジョブは force が
// 指定された場合のみ、キャンセル要求と停止待ちを経て削除されます。
func (m *Manager) Delete(jobID string, force bool) error {
	job, ok := m.store.Get(jobID)
	if !ok {
		return newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}

	if job.CurrentStatus() == StatusProcessing {
		if !force {
			return newError("STATE_ERROR",
				"処理中のジョブは削除できません。強制削除するには force を指定してください。",
				nil)
		}
		if err := m.Cancel(jobID); err != nil {
			return err
		}
		// 猶予内に止まらなかった場合は削除しない。走り続けるパイプラインが
		// 削除済みディレクトリへ書き戻すのを防ぐ。
		if !m.waitForStop(jobID, forceDeleteGrace) {
			return newError("FILES_IN_USE",
				"ジョブの処理が停止しないため削除できませんでした。しばらく待ってから再試行してください。",
				nil)
		}
	}

	m.store.Remove(jobID)
	if err := removeDirWithRetry(m.store.JobDir(jobID), deleteRetryCount, deleteRetryBackoff); err != nil {
		return err
	}
	return nil
}

// waitForStop はジョブのパイプラインが停止するまで、最大 grace のあいだ待ちます。
// 停止の判定にはキャンセル登録の解除を使い、停止を確認できたら true を返します。
func (m *Manager) waitForStop(jobID string, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for {
		m.mu.Lock()
		_, running := m.cancels[jobID]
		m.mu.Unlock()
		if !running {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Get はジョブのコピーを返します。
func (m *Manager) Get(jobID string) (*Job, error) {
	job, ok := m.store.Get(jobID)
	if !ok {
		return nil, newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}
	return job.Clone(), nil
}

// List は全ジョブのコピーを返します。
func (m *Manager) List() []*Job {
	return m.store.List()
}

// ArchivePath は完了したジョブの結果アーカイブの絶対パスを返します。
func (m *Manager) ArchivePath(jobID string) (string, error) {
	job, ok := m.store.Get(jobID)
	if !ok {
		return "", newError("JOB_NOT_FOUND", "指定されたジョブが見つかりません。", nil)
	}
	snap := job.Clone()
	if snap.Status != StatusCompleted {
		return "", newError("STATE_ERROR", "ジョブが完了していないため、結果をダウンロードできません。", nil)
	}
	if snap.ArchivePath == "" {
		return "", newError("STATE_ERROR", "このジョブには結果アーカイブがありません。", nil)
	}

	path := snap.ArchivePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.store.BaseDir(), path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", newError("STATE_ERROR", "結果アーカイブが見つかりません。", err)
	}
	return path, nil
}

// DashboardStats はメモリ上のジョブ状態の集計です。
type DashboardStats struct {
	TotalJobs           int            `json:"total_jobs"`
	ByStatus            map[Status]int `json:"by_status"`
	TotalRowsProcessed  int            `json:"total_rows_processed"`
	TotalFilesGenerated int            `json:"total_files_generated"`
}

// Stats はダッシュボード向けの集計を返します。
func (m *Manager) Stats() DashboardStats {
	stats := DashboardStats{ByStatus: map[Status]int{}}
	for _, job := range m.store.List() {
		stats.TotalJobs++
		stats.ByStatus[job.Status]++
		stats.TotalRowsProcessed += job.ProcessedRows
		stats.TotalFilesGenerated += len(job.OutputFiles)
	}
	return stats
}

func hasAllowedExtension(path string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func copyFileTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
