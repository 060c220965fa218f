package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"southwinds.dev/chainvault/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second

	logObjectName = "chain.log"
)

// S3Store implements the Store interface against any S3-compatible backend
// (MinIO, AWS S3). Each vault gets its own key prefix inside the bucket:
//
//	bucket/
//	├── [keyPrefix/]vault1/
//	│   └── chain.log     # serialized transaction log for vault1
//	└── [keyPrefix/]vault2/
//	    └── chain.log
//
// Versioning uses the object ETag; SetMatchETag gives compare-and-swap
// semantics for SaveLog on backends that support preconditions.
type S3Store struct {
	// client is the MinIO client used to interact with the S3 server.
	client *minio.Client

	// bucketName is the bucket that holds the vault logs.
	bucketName string

	// keyPrefix optionally namespaces all keys, so multiple applications
	// can share the same bucket.
	keyPrefix string

	// vaultName isolates this vault's log from other vaults in the bucket.
	vaultName string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // The endpoint for the S3 service.
	AccessKeyID     string `json:"access_key_id"`     // The Access Key ID for accessing the S3 service.
	SecretAccessKey string `json:"secret_access_key"` // The Secret Access Key for accessing the S3 service.
	Bucket          string `json:"bucket"`            // The bucket to use.
	KeyPrefix       string `json:"key_prefix"`        // The prefix for keys stored in the bucket.
	UseSSL          bool   `json:"use_ssl"`           // Whether to use SSL for the connection.
	Region          string `json:"region"`            // The region of the bucket.
}

// NewS3Store initializes a new S3Store using the provided configuration and
// vault name. It establishes a connection to the S3 server and ensures that
// the bucket exists. If no vault name is provided, it defaults to "default".
func NewS3Store(config S3Config, vaultName string) (*S3Store, error) {
	if vaultName == "" {
		vaultName = "default"
	}
	if err := validateVaultName(vaultName); err != nil {
		return nil, fmt.Errorf("invalid vault name: %w", err)
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
		vaultName:  vaultName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, vaultName string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, vaultName)
}

// SaveLog uploads the serialized log. When expectedVersion is set the upload
// carries an If-Match condition on the ETag so a concurrent writer fails with
// ConcurrencyError instead of silently overwriting.
func (s3s *S3Store) SaveLog(data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("log data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.getLogObjectName()
	debug.Print("SaveLog: object name: '%s', size: %d\n", objectName, len(data))

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveLog",
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveLog",
			}
		}
		return "", fmt.Errorf("failed to save log: %w", err)
	}

	return s3s.cleanETag(uploadInfo.ETag), nil
}

// LoadLog downloads the serialized log with its ETag version.
func (s3s *S3Store) LoadLog() (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.getLogObjectName()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load log: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to get log info: %w", err)
	}

	// Prefer the timestamp recorded at upload; LastModified is the fallback.
	var timestamp time.Time
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}
	if timestamp.IsZero() {
		timestamp = objectInfo.LastModified
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) LogExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.getLogObjectName(), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check log existence: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) getLogObjectName() string {
	var parts []string
	if prefix := strings.Trim(s3s.keyPrefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, s3s.vaultName, logObjectName)
	return strings.Join(parts, "/")
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}
