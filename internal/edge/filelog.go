package edge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// FileLog is the offline fallback log: a JSON array of messages in one file,
// rewritten on every append.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog returns a log stored at path. The file is created on first
// append.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// SessionLogPath returns the conventional log file for a session under dir.
func SessionLogPath(dir, sessionID string) string {
	return filepath.Join(dir, "chat-"+sessionID+".json")
}

// Load returns every logged message. A missing file is an empty log.
func (f *FileLog) Load() ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileLog) load() ([]chat.Message, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offline log: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var msgs []chat.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode offline log: %w", err)
	}
	return msgs, nil
}

// Append adds msg to the log.
func (f *FileLog) Append(msg chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs, err := f.load()
	if err != nil {
		return err
	}
	msgs = append(msgs, msg)

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode offline log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create offline log dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write offline log: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace offline log: %w", err)
	}
	return nil
}
