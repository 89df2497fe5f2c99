package bridgeclient

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type FileItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type FileListResult struct {
	Path  string     `json:"path"`
	Items []FileItem `json:"items"`
}

// FileService answers file.request ops from the server. All paths resolve
// under the configured root; anything escaping it is refused.
type FileService struct {
	root string
}

func NewFileService(root string) (*FileService, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &FileService{root: filepath.Clean(abs)}, nil
}

func (s *FileService) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", errors.New("path escapes working directory")
	}
	return p, nil
}

func (s *FileService) Read(path string) (string, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileService) Write(path, content string) error {
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (s *FileService) Exists(path string) (bool, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileService) List(path string) (FileListResult, error) {
	resolved, err := s.resolve(path)
	if err != nil {
		return FileListResult{}, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return FileListResult{}, err
	}
	items := make([]FileItem, 0, len(entries))
	for _, entry := range entries {
		item := FileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(resolved, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item.Size = info.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return FileListResult{Path: resolved, Items: items}, nil
}
