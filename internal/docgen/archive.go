package docgen

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// createArchive は outputsDir 配下の全ファイルを相対パスを保ったままzipに詰めます。
// 対象ファイルが1つも無い場合はエラーにします。空の成果物は常にバグの兆候であり、
// 正常な結果として空アーカイブを作ることはありません。
func createArchive(outputsDir, archivePath string) error {
	outFile, err := os.Create(archivePath)
	if err != nil {
		return newError("ARCHIVE_ERROR", "アーカイブファイルの作成に失敗しました。", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)

	count := 0
	walkErr := filepath.WalkDir(outputsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(outputsDir, path)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}
		if _, err := io.Copy(writer, file); err != nil {
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}

		count++
		return nil
	})
	if walkErr != nil {
		zipWriter.Close()
		return newError("ARCHIVE_ERROR", "成果物ディレクトリの走査に失敗しました。", walkErr)
	}
	if count == 0 {
		zipWriter.Close()
		os.Remove(archivePath)
		return newError("ARCHIVE_ERROR", "アーカイブ対象の成果物が1つもありません。", nil)
	}

	if err := zipWriter.Close(); err != nil {
		return newError("ARCHIVE_ERROR", "アーカイブの書き込みに失敗しました。", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil || info.Size() == 0 {
		return newError("ARCHIVE_ERROR", "作成されたアーカイブが空です。", err)
	}
	return nil
}

// removeDirWithRetry はジョブディレクトリを削除します。変換バックエンドの
// ネイティブプロセスがハンドルを解放しきっていない場合があるため、
// 一時的なロックに備えて短いバックオフ付きで数回リトライします。
func removeDirWithRetry(dir string, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(backoff)
		}
		if lastErr = os.RemoveAll(dir); lastErr == nil {
			return nil
		}
	}
	return newError("FILES_IN_USE",
		"ジョブのファイルが使用中のため削除できませんでした。しばらく待ってから再試行してください。",
		lastErr)
}
