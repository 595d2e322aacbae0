package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

type fileState struct {
	Version  int                       `json:"version"`
	Searches map[string]fileRuleState `json:"searches"`
}

type fileRuleState struct {
	SeenIDs              []string `json:"seen_ids"`
	LastNotificationTime *string  `json:"last_notification_time"`
}

var _ Backend = (*JSONFileBackend)(nil)

// JSONFileBackend persists state as a single JSON document. Seen identifiers
// are written oldest first.
type JSONFileBackend struct {
	path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{path: path}
}

func (b *JSONFileBackend) Load(ctx context.Context) (*AppState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", b.path, err)
	}

	st := &AppState{
		Version:  fs.Version,
		Searches: make(map[string]*RuleState, len(fs.Searches)),
	}
	for name, rs := range fs.Searches {
		st.Searches[name] = NewRuleStateFromIDs(rs.SeenIDs, rs.LastNotificationTime)
	}
	return st, nil
}

// Save writes to a temporary file in the target directory and renames it
// over the previous state.
func (b *JSONFileBackend) Save(ctx context.Context, st *AppState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fs := fileState{
		Version:  st.Version,
		Searches: make(map[string]fileRuleState, len(st.Searches)),
	}
	for name, rs := range st.Searches {
		fs.Searches[name] = fileRuleState{
			SeenIDs:              rs.OrderedIDs(),
			LastNotificationTime: rs.LastNotificationTime,
		}
	}

	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
