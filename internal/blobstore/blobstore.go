package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Client 不透明的 blob 存储协作方。调用方只持有 URI，
// 删除失败不影响元数据一致性，由调用方决定是否重试。
type Client interface {
	Put(ctx context.Context, key string, data []byte) (uri string, err error)
	Get(ctx context.Context, uri string) ([]byte, error)
	Delete(ctx context.Context, uri string) error
}

// LocalStore 本地文件系统实现，URI 形如 file://<root>/<key>
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob 存储根目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建 blob 存储目录失败: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("解析 blob 存储路径失败: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("创建 blob 目录失败: %w", err)
	}
	// 先写临时文件再改名，避免读到半截内容
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("写入 blob 失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("落盘 blob 失败: %w", err)
	}
	return "file://" + path, nil
}

func (s *LocalStore) Get(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.fromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 blob 失败: %w", err)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.fromURI(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除 blob 失败: %w", err)
	}
	return nil
}

func (s *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(s.root, clean)
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("非法的 blob key: %s", key)
	}
	return path, nil
}

func (s *LocalStore) fromURI(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	if path == uri {
		return "", fmt.Errorf("不支持的 blob URI: %s", uri)
	}
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blob URI 越界: %s", uri)
	}
	return path, nil
}

var _ Client = (*LocalStore)(nil)
