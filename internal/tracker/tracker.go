// Package tracker は入力ファイルをSHA-256で内容追跡し、ローカルの不変コピーを管理します。
// ジョブ投入後に元ファイルが移動・編集・削除されても処理が壊れないようにするための層です。
package tracker

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const metadataFilename = "file_metadata.json"

// ErrNotFound は追跡対象の元ファイルが存在しない場合に返されます。
var ErrNotFound = errors.New("tracked file not found")

// Entry は追跡中ファイルのメタデータです。
type Entry struct {
	OriginalPath string    `json:"original_path"`
	LocalPath    string    `json:"local_path"`
	SHA256       string    `json:"sha256"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Tracker はストレージディレクトリ配下でファイルの内容追跡を行います。
type Tracker struct {
	mu         sync.Mutex
	storageDir string
	entries    map[string]Entry
}

// New は Tracker を初期化し、既存のメタデータを読み込みます。
func New(storageDir string) (*Tracker, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	t := &Tracker{
		storageDir: storageDir,
		entries:    map[string]Entry{},
	}
	if err := t.loadMetadata(); err != nil {
		return nil, err
	}
	return t, nil
}

// FileID は元ファイルのパス文字列から安定したIDを導出します。
// 内容ではなくパスに紐づくため、同じファイルを何度追跡しても同じIDになります。
func FileID(originalPath string) string {
	sum := md5.Sum([]byte(originalPath))
	return hex.EncodeToString(sum[:])
}

// Track は originalPath のファイルを追跡し、必要ならローカルコピーを作成・更新します。
// 戻り値の bool は更新が発生したかどうかを示します。
func (t *Tracker) Track(originalPath string) (Entry, bool, error) {
	info, err := os.Stat(originalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, fmt.Errorf("%w: %s", ErrNotFound, originalPath)
		}
		return Entry{}, false, err
	}

	digest, err := fileSHA256(originalPath)
	if err != nil {
		return Entry{}, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := FileID(originalPath)
	localPath := filepath.Join(t.storageDir, id+filepath.Ext(originalPath))

	existing, ok := t.entries[id]
	needsUpdate := !ok || existing.SHA256 != digest || !fileExists(localPath)

	if needsUpdate {
		if err := copyFile(originalPath, localPath); err != nil {
			return Entry{}, false, fmt.Errorf("failed to copy tracked file: %w", err)
		}
		entry := Entry{
			OriginalPath: originalPath,
			LocalPath:    localPath,
			SHA256:       digest,
			FileName:     filepath.Base(originalPath),
			FileSize:     info.Size(),
			LastUpdated:  time.Now().UTC(),
		}
		t.entries[id] = entry
		if err := t.saveMetadata(); err != nil {
			return Entry{}, false, err
		}
		return entry, true, nil
	}

	return existing, false, nil
}

// Get はIDに対応するエントリを返します。
func (t *Tracker) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	return entry, ok
}

// IsChanged は元ファイルが前回追跡時から変化したかどうかを返します。
// 元ファイルが消えている場合や未追跡の場合も true です。
func (t *Tracker) IsChanged(originalPath string) bool {
	if !fileExists(originalPath) {
		return true
	}

	t.mu.Lock()
	entry, ok := t.entries[FileID(originalPath)]
	t.mu.Unlock()
	if !ok {
		return true
	}

	digest, err := fileSHA256(originalPath)
	if err != nil {
		return true
	}
	return digest != entry.SHA256
}

// PurgeOrphans は元ファイルが存在しなくなったエントリをローカルコピーごと削除し、
// 削除した件数を返します。
func (t *Tracker) PurgeOrphans() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var orphaned []string
	for id, entry := range t.entries {
		if !fileExists(entry.OriginalPath) {
			if fileExists(entry.LocalPath) {
				if err := os.Remove(entry.LocalPath); err != nil {
					return 0, fmt.Errorf("failed to remove local copy %s: %w", entry.LocalPath, err)
				}
			}
			orphaned = append(orphaned, id)
		}
	}

	for _, id := range orphaned {
		delete(t.entries, id)
	}

	if len(orphaned) > 0 {
		if err := t.saveMetadata(); err != nil {
			return 0, err
		}
	}
	return len(orphaned), nil
}

func (t *Tracker) metadataPath() string {
	return filepath.Join(t.storageDir, metadataFilename)
}

func (t *Tracker) loadMetadata() error {
	data, err := os.ReadFile(t.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read tracker metadata: %w", err)
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return fmt.Errorf("failed to parse tracker metadata: %w", err)
	}
	return nil
}

// saveMetadata はメタデータ全体を一時ファイルに書いてからrenameします。
// 部分的に書きかけの状態が外から見えてはならないため。
func (t *Tracker) saveMetadata() error {
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write tracker metadata: %w", err)
	}
	return os.Rename(tmp, t.metadataPath())
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
