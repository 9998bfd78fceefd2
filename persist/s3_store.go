package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Config contains the configuration required to connect to S3 (MinIO)
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// S3Store implements Store on a MinIO/S3 bucket with multitenancy.
//
// Object layout:
//
//	bucket/
//	├── [keyPrefix/]tenant1/
//	│   ├── keys.meta       # encrypted key state
//	│   ├── devices.meta    # device registry
//	│   └── checkpoints/
//	│       └── <migration-id>.ckpt
//	└── [keyPrefix/]tenant2/
//	    └── ...
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	tenantID   string
}

// NewS3Store connects to the configured endpoint and ensures the bucket exists
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		tenantID:   tenantID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from a generic StoreConfig
func NewS3StoreFromConfig(config StoreConfig, tenantID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, tenantID)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) buildTenantPath(name string) string {
	if s3s.keyPrefix != "" {
		return strings.TrimSuffix(s3s.keyPrefix, "/") + "/" + s3s.tenantID + "/" + name
	}
	return s3s.tenantID + "/" + name
}

// SaveKeyState with optimistic concurrency control
func (s3s *S3Store) SaveKeyState(encrypted []byte, expectedVersion string) (string, error) {
	if encrypted == nil {
		return "", fmt.Errorf("key state cannot be nil")
	}
	return s3s.saveVersionedObject(s3s.buildTenantPath("keys.meta"), encrypted, expectedVersion, "SaveKeyState")
}

func (s3s *S3Store) LoadKeyState() (*VersionedData, error) {
	return s3s.loadVersionedObject(s3s.buildTenantPath("keys.meta"), "key state")
}

func (s3s *S3Store) KeyStateExists() (bool, error) {
	return s3s.objectExists(s3s.buildTenantPath("keys.meta"))
}

func (s3s *S3Store) SaveCheckpoint(migrationID string, data []byte) error {
	if migrationID == "" {
		return fmt.Errorf("migration ID cannot be empty")
	}
	if err := validateCheckpointID(migrationID); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("checkpoint data cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildTenantPath("checkpoints/" + migrationID + ".ckpt")
	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s3s *S3Store) LoadCheckpoint(migrationID string) ([]byte, error) {
	if err := validateCheckpointID(migrationID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildTenantPath("checkpoints/" + migrationID + ".ckpt")
	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, fmt.Errorf("checkpoint %s not found", migrationID)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return data, nil
}

func (s3s *S3Store) ListCheckpoints() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath("checkpoints/")
	var ids []string

	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if strings.HasSuffix(name, ".ckpt") {
			ids = append(ids, strings.TrimSuffix(name, ".ckpt"))
		}
	}

	sort.Strings(ids)
	return ids, nil
}

func (s3s *S3Store) DeleteCheckpoint(migrationID string) error {
	if err := validateCheckpointID(migrationID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.buildTenantPath("checkpoints/" + migrationID + ".ckpt")

	// StatObject first so a missing checkpoint is reported distinctly
	if _, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return fmt.Errorf("checkpoint %s does not exist", migrationID)
		}
		return fmt.Errorf("failed to check checkpoint: %w", err)
	}

	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s3s *S3Store) SaveDeviceRegistry(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("device registry data is required")
	}
	return s3s.saveVersionedObject(s3s.buildTenantPath("devices.meta"), data, expectedVersion, "SaveDeviceRegistry")
}

func (s3s *S3Store) LoadDeviceRegistry() (*VersionedData, error) {
	return s3s.loadVersionedObject(s3s.buildTenantPath("devices.meta"), "device registry")
}

func (s3s *S3Store) DeviceRegistryExists() (bool, error) {
	return s3s.objectExists(s3s.buildTenantPath("devices.meta"))
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	return err
}

func (s3s *S3Store) Close() error {
	// MinIO client holds no resources requiring explicit shutdown
	return nil
}

func (s3s *S3Store) saveVersionedObject(objectName string, data []byte, expectedVersion, operation string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	return calculateFileVersion(data), nil
}

func (s3s *S3Store) loadVersionedObject(objectName, what string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	stat, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s not found", what)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", what, err)
	}

	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: stat.LastModified,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	obj, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}
