package docgen

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const jobMetadataFilename = "metadata.json"

// 永続化のバッチ条件。行ごとに書くとメタデータ書き込みがI/Oの支配項になるため、
// 10行ごと、または前回保存から5秒経過のどちらか早い方でまとめて書き出します。
const (
	persistEveryRows    = 10
	persistMaxStaleness = 5 * time.Second
)

// Store はジョブのメタデータをジョブディレクトリ配下の metadata.json として永続化し、
// 起動時に全ジョブをメモリへ復元します。各ジョブのディレクトリとメタデータファイルは
// そのジョブだけが所有し、書き込みは常にファイル全体の書き換えです。
type Store struct {
	mu      sync.Mutex
	baseDir string
	jobs    map[string]*Job
	logger  *log.Logger
}

// NewStore は baseDir 配下の既存ジョブを読み込んで Store を初期化します。
func NewStore(baseDir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create jobs dir: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		baseDir: baseDir,
		jobs:    map[string]*Job{},
		logger:  logger,
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// BaseDir はジョブディレクトリのルートを返します。
func (s *Store) BaseDir() string {
	return s.baseDir
}

// JobDir はジョブ専有のディレクトリパスを返します。
func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.baseDir, jobID)
}

// Put はジョブを登録し、即座に永続化します。
func (s *Store) Put(job *Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return s.Save(job)
}

// Get はジョブを返します。戻り値はパイプラインと共有される実体です。
// API応答には job.Clone() を使ってください。
func (s *Store) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// List は全ジョブのコピーを作成日時の新しい順で返します。
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		list = append(list, job.Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

// Remove はジョブをメモリから取り除きます。ディスク上の削除は呼び出し側が行います。
func (s *Store) Remove(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// Save はジョブのメタデータを一時ファイル経由でアトミックに書き出します。
// 書きかけの状態が外から見えてはならないため、常にファイル全体を書き換えます。
// 登録されていないジョブは書き込みません。削除済みジョブのディレクトリを
// パイプラインの遅延書き込みが復活させるのを防ぐためです。
func (s *Store) Save(job *Job) error {
	s.mu.Lock()
	_, registered := s.jobs[job.ID]
	s.mu.Unlock()
	if !registered {
		return fmt.Errorf("job %s is not registered; refusing to write metadata", job.ID)
	}

	job.mu.Lock()
	job.touch(time.Now().UTC())
	data, err := json.MarshalIndent(job, "", "  ")
	job.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal job metadata: %w", err)
	}

	dir := s.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job dir: %w", err)
	}

	path := filepath.Join(dir, jobMetadataFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write job metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace job metadata: %w", err)
	}
	return nil
}

// loadAll は baseDir 配下の metadata.json を走査してジョブを復元します。
// プロセス終了時に processing のまま残ったジョブは failed として復元します。
func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read jobs dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name(), jobMetadataFilename)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.logger.Printf("skipping unreadable job metadata %s: %v", path, err)
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.logger.Printf("skipping corrupt job metadata %s: %v", path, err)
			continue
		}
		if job.ID == "" {
			continue
		}

		s.jobs[job.ID] = &job
		if job.Status == StatusProcessing {
			job.Status = StatusFailed
			job.RecordError("処理中にプロセスが終了したため、ジョブを失敗として復元しました。")
			now := time.Now().UTC()
			job.CompletedAt = &now
			job.touch(now)
			if err := s.Save(&job); err != nil {
				s.logger.Printf("failed to persist recovered job %s: %v", job.ID, err)
			}
		}
	}
	return nil
}

// batchedSaver は行処理中のメタデータ書き込みをバッチします。
// RowDone は閾値に達したときだけ実際に書き、Flush は無条件に書きます。
// 状態遷移や処理終了では必ず Flush を呼びます。
type batchedSaver struct {
	store     *Store
	job       *Job
	pending   int
	lastFlush time.Time
}

func newBatchedSaver(store *Store, job *Job) *batchedSaver {
	return &batchedSaver{
		store:     store,
		job:       job,
		lastFlush: time.Now(),
	}
}

// RowDone は1行ぶんの進捗を記録し、バッチ条件を満たした場合のみ永続化します。
func (b *batchedSaver) RowDone() error {
	b.pending++
	if b.pending < persistEveryRows && time.Since(b.lastFlush) < persistMaxStaleness {
		return nil
	}
	return b.Flush()
}

// Flush は保留中の進捗を無条件に永続化します。
func (b *batchedSaver) Flush() error {
	b.pending = 0
	b.lastFlush = time.Now()
	return b.store.Save(b.job)
}
