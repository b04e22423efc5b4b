package convert

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable は対象のソース種別を扱える変換バックエンドが1つも無い場合に返されます。
var ErrUnavailable = errors.New("no conversion backend available")

// Attempt は1つの変換手段の実行結果です。フォールバック順は制御フローではなく
// このリストとして残し、失敗時のエラーに全履歴を含めます。
type Attempt struct {
	Strategy string
	Err      error
}

// FailedError は全フォールバック手段を使い切った変換失敗です。
type FailedError struct {
	Input    string
	Target   string
	Attempts []Attempt
}

func (e *FailedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "conversion of %s to %s failed after %d attempts", e.Input, e.Target, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s: %v", a.Strategy, a.Err)
	}
	return sb.String()
}
