package agentconsole

import (
	"fmt"
	"sync"

	"github.com/aixgo-dev/agentconsole/pkg/config"
)

// MockFileReader is an in-memory config.FileReader for tests.
type MockFileReader struct {
	files map[string][]byte
	err   error
	mu    sync.RWMutex
}

var _ config.FileReader = (*MockFileReader)(nil)

// NewMockFileReader creates a new mock file reader
func NewMockFileReader() *MockFileReader {
	return &MockFileReader{
		files: make(map[string][]byte),
	}
}

// ReadFile implements config.FileReader.
func (m *MockFileReader) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	return data, nil
}

// AddFile adds a file to the mock file system
func (m *MockFileReader) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = content
}

// SetError sets an error to return from ReadFile
func (m *MockFileReader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Reset clears all files and errors
func (m *MockFileReader) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[string][]byte)
	m.err = nil
}
