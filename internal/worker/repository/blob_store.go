package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"video_worker/internal/worker/domain"
	"video_worker/pkg/database"

	"github.com/minio/minio-go/v7"
)

// BlobStore definition blob storage backend
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key string) error
	// DisplayPath 只用於 log
	DisplayPath(key string) string
}

// localBlobStore 共享檔案系統，上傳下載都是複製
type localBlobStore struct {
	root string
}

// NewLocalBlobStore create local filesystem blob store
func NewLocalBlobStore(root string) (BlobStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &localBlobStore{root: root}, nil
}

func (s *localBlobStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *localBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	info, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, domain.Transient("blob exists", err)
	}
	return !info.IsDir(), nil
}

func (s *localBlobStore) Download(ctx context.Context, key, localPath string) error {
	err := copyFile(s.path(key), localPath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewError(domain.ErrNotFound, "blob download", 0, fmt.Errorf("%s: %w", key, err))
	}
	return domain.Transient("blob download", err)
}

func (s *localBlobStore) Upload(ctx context.Context, localPath, key string) error {
	return domain.Transient("blob upload", copyFile(localPath, s.path(key)))
}

func (s *localBlobStore) DisplayPath(key string) string {
	return s.path(key)
}

// copyFile 先寫到同目錄暫存檔再 rename，重跑時不會看到寫一半的檔案
func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// ObjectAPI 定義用到的 minio 方法，方便 mock
type ObjectAPI interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioBlobStore 遠端物件儲存，傳輸錯誤一律視為 transient
type minioBlobStore struct {
	api      ObjectAPI
	bucket   string
	endpoint string
}

// NewMinIOBlobStore create object storage blob store
func NewMinIOBlobStore(mc *database.MinIOClient) BlobStore {
	return &minioBlobStore{api: mc.Client, bucket: mc.BucketName, endpoint: mc.Client.EndpointURL().String()}
}

// NewMinIOBlobStoreWithAPI create blob store on a custom object api
func NewMinIOBlobStoreWithAPI(api ObjectAPI, bucket, endpoint string) BlobStore {
	return &minioBlobStore{api: api, bucket: bucket, endpoint: endpoint}
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (s *minioBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, domain.Transient("blob exists", err)
}

func (s *minioBlobStore) Download(ctx context.Context, key, localPath string) error {
	err := s.api.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{})
	if err == nil {
		return nil
	}
	if isNoSuchKey(err) {
		return domain.NewError(domain.ErrNotFound, "blob download", 0, fmt.Errorf("%s: %w", key, err))
	}
	return domain.Transient("blob download", err)
}

func (s *minioBlobStore) Upload(ctx context.Context, localPath, key string) error {
	_, err := s.api.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType(key)})
	return domain.Transient("blob upload", err)
}

func (s *minioBlobStore) DisplayPath(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
}

func contentType(key string) string {
	switch filepath.Ext(key) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}
