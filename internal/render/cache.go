package render

import (
	"os"
	"sync"
)

// Cache はテンプレートファイルのバイト列をパスごとにキャッシュします。
// 同じテンプレートを行数ぶん読み直さないための層で、寿命は1ジョブ実行に限ります。
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewCache は空のキャッシュを作成します。
func NewCache() *Cache {
	return &Cache{entries: map[string][]byte{}}
}

// Get はキャッシュからテンプレートのバイト列を返し、未読なら読み込みます。
func (c *Cache) Get(path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, ok := c.entries[path]; ok {
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c.entries[path] = data
	return data, nil
}

// Clear は全エントリを破棄します。
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string][]byte{}
}
