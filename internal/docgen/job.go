// Package docgen はテンプレートとデータソースからの一括ドキュメント生成ジョブを管理します。
// ジョブのライフサイクル（pending → processing → completed/failed/cancelled）、
// 行単位のパイプライン実行、行横断の集約マージ、結果アーカイブの作成を担います。
package docgen

import (
	"sync"
	"time"

	"github.com/yourusername/doc-forge/internal/convert"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal は終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// デフォルトの変数名。データソースの列名と一致した場合にのみ使われます。
const (
	DefaultFilenameVariable = "filename"
	DefaultTabnameVariable  = "tabname"
)

// TemplateRef はジョブに紐づく1つのテンプレートです。
// Path はジョブディレクトリ内のコピーを指し、元ファイルの変更から隔離されます。
type TemplateRef struct {
	Path         string `json:"path"`
	OriginalPath string `json:"original_path"`
	FileID       string `json:"file_id"`
	Priority     int    `json:"priority"`
	Sheet        string `json:"sheet,omitempty"`
}

// OutputFile はジョブが生成した1つの成果物です。
// Path はジョブディレクトリからの相対パスで、RowIndex は集約成果物では -1 です。
type OutputFile struct {
	Path     string `json:"path"`
	Format   string `json:"format"`
	RowIndex int    `json:"row_index"`
}

// Job は一括生成ジョブの全状態です。metadata.json としてジョブディレクトリに
// 永続化され、プロセス再起動後もここから復元されます。
type Job struct {
	// mu は進捗を書き込むパイプラインのゴルーチンと、Clone で読み取る
	// API側を同期します。フィールドの更新は TransitionTo / RecordError /
	// Update のいずれかを通します。
	mu sync.Mutex

	ID string `json:"id"`

	// 入力
	Templates        []TemplateRef `json:"templates"`
	DataPath         string        `json:"data_path"`
	DataOriginalPath string        `json:"data_original_path,omitempty"`
	DataFileID       string        `json:"data_file_id"`
	DataSheet        string        `json:"data_sheet,omitempty"`
	Placeholders     []string      `json:"placeholders,omitempty"`

	// 設定
	OutputFormats    []string               `json:"output_formats"`
	FilenameVariable string                 `json:"filename_variable"`
	TabnameVariable  string                 `json:"tabname_variable"`
	PrintSettings    *convert.PrintSettings `json:"print_settings,omitempty"`
	OutputDirectory  string                 `json:"output_directory,omitempty"`

	// 進捗
	Status        Status            `json:"status"`
	TotalRows     int               `json:"total_rows"`
	ProcessedRows int               `json:"processed_rows"`
	FailedRows    int               `json:"failed_rows"`
	OutputFiles   []OutputFile      `json:"output_files"`
	ArchivePath   string            `json:"archive_path,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	// タイムスタンプ
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionTo は状態遷移を検証して適用します。
// pending → processing は一度だけ許され、processing からのみ終端状態へ進めます。
// タイムスタンプは単調非減少で、started は processing 突入時、completed は終端遷移時に設定されます。
func (j *Job) TransitionTo(next Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch next {
	case StatusProcessing:
		if j.Status != StatusPending {
			return newError("STATE_ERROR",
				"このジョブは開始できる状態ではありません。",
				nil)
		}
		now := time.Now().UTC()
		j.Status = StatusProcessing
		j.StartedAt = &now
		j.touch(now)
		return nil

	case StatusCompleted, StatusFailed, StatusCancelled:
		if j.Status != StatusProcessing {
			return newError("STATE_ERROR",
				"処理中でないジョブを終了状態に遷移させることはできません。",
				nil)
		}
		now := time.Now().UTC()
		j.Status = next
		j.CompletedAt = &now
		j.touch(now)
		return nil

	default:
		return newError("STATE_ERROR", "不正な状態遷移です。", nil)
	}
}

// RecordError は最初に発生したエラーメッセージのみを保持します。
// 行単位の失敗は後続の行を止めないため、代表として先頭の1件を残します。
func (j *Job) RecordError(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ErrorMessage == "" {
		j.ErrorMessage = message
	}
}

// Update は fn をジョブのロック下で実行します。パイプラインからの
// カウンターや成果物リストの更新はこれを通します。
// fn の中から TransitionTo / RecordError / Clone を呼んではいけません。
func (j *Job) Update(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn()
}

// CurrentStatus は現在の状態をロック下で読み取ります。
func (j *Job) CurrentStatus() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

func (j *Job) touch(now time.Time) {
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}

// Clone はAPI応答用の独立したコピーをロック下で作成します。
// 処理中のパイプラインと読み取り側が同じスライスを共有しないようにします。
func (j *Job) Clone() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	copied := &Job{
		ID:               j.ID,
		Templates:        append([]TemplateRef(nil), j.Templates...),
		DataPath:         j.DataPath,
		DataOriginalPath: j.DataOriginalPath,
		DataFileID:       j.DataFileID,
		DataSheet:        j.DataSheet,
		Placeholders:     append([]string(nil), j.Placeholders...),
		OutputFormats:    append([]string(nil), j.OutputFormats...),
		FilenameVariable: j.FilenameVariable,
		TabnameVariable:  j.TabnameVariable,
		PrintSettings:    j.PrintSettings,
		OutputDirectory:  j.OutputDirectory,
		Status:           j.Status,
		TotalRows:        j.TotalRows,
		ProcessedRows:    j.ProcessedRows,
		FailedRows:       j.FailedRows,
		OutputFiles:      append([]OutputFile(nil), j.OutputFiles...),
		ArchivePath:      j.ArchivePath,
		ErrorMessage:     j.ErrorMessage,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
	if j.Metadata != nil {
		copied.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			copied.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		copied.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		copied.CompletedAt = &t
	}
	return copied
}
