package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/veritas/internal/debug"
	"southwinds.dev/veritas/internal/misc"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements LinkStore on any S3 compatible object store using the MinIO client.
// Each record is an immutable object named after its zero padded index, so a
// lexical listing returns the chain in order.
//
// bucketName/
// └── [keyPrefix/]tenantID/
//
//	└── chain/
//	    ├── 00000000000000000000.json
//	    ├── 00000000000000000001.json
//	    └── ...
type S3Store struct {
	// client is the MinIO client used to interact with the object store
	client *minio.Client

	// bucketName is the name of the bucket holding chain records
	bucketName string

	// keyPrefix is an optional prefix for namespace separation inside a shared bucket
	keyPrefix string

	// tenantID isolates one chain from another
	tenantID string

	mu    sync.Mutex
	next  uint64
	ready bool
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"prefix" yaml:"prefix"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
}

// NewS3Store connects to the object store and makes sure the bucket exists.
// If no tenant ID is provided, it defaults to "default".
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
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

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
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

// AppendLink writes the record as a new object. The put is conditional on the
// object not existing, so two writers can never both claim an index.
func (s3s *S3Store) AppendLink(ctx context.Context, record LinkRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	s3s.mu.Lock()
	defer s3s.mu.Unlock()

	if !s3s.ready {
		count, err := s3s.countRecords(ctx)
		if err != nil {
			return err
		}
		s3s.next = count
		s3s.ready = true
	}
	if record.Index < s3s.next {
		return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
	}
	if record.Index > s3s.next {
		return fmt.Errorf("index gap: expected %d, got %d", s3s.next, record.Index)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize link record: %w", err)
	}

	objectName := s3s.recordObjectName(record.Index)
	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"chain-index": strconv.FormatUint(record.Index, 10),
			"lock-hash":   record.LockHash,
			"tenant-id":   s3s.tenantID,
		},
	}
	putOptions.SetMatchETagExcept("*")

	debug.Print("S3Store.AppendLink: writing '%s'\n", objectName)

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return IndexConflictError{Index: record.Index, Operation: "AppendLink"}
		}
		return fmt.Errorf("failed to save link record: %w", err)
	}

	s3s.next++
	return nil
}

// LoadLinks lists and reads every record object in index order
func (s3s *S3Store) LoadLinks(ctx context.Context) ([]LinkRecord, error) {
	s3s.mu.Lock()
	defer s3s.mu.Unlock()

	names, err := s3s.listRecordObjects(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]LinkRecord, 0, len(names))
	for _, name := range names {
		object, err := s3s.client.GetObject(ctx, s3s.bucketName, name, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		data, err := io.ReadAll(object)
		_ = object.Close()
		if err != nil {
			if misc.IsNotFoundError(err) {
				return nil, fmt.Errorf("chain record %s was removed while loading: %w", name, err)
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var record LinkRecord
		if err = json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("corrupt chain record %s: %w", name, err)
		}
		records = append(records, record)
	}

	s3s.next = uint64(len(records))
	s3s.ready = true
	return records, nil
}

func (s3s *S3Store) countRecords(ctx context.Context) (uint64, error) {
	names, err := s3s.listRecordObjects(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(len(names)), nil
}

func (s3s *S3Store) listRecordObjects(ctx context.Context) ([]string, error) {
	prefix := s3s.buildTenantPath("chain") + "/"
	var names []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list chain records: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, ".json") {
			names = append(names, object.Key)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s3s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ctxTimeout)
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

// Close implements LinkStore; the MinIO client holds no resources that need releasing
func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

func (s3s *S3Store) recordObjectName(index uint64) string {
	return s3s.buildTenantPath("chain", fmt.Sprintf("%020d.json", index))
}

func (s3s *S3Store) buildTenantPath(components ...string) string {
	var parts []string

	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	if s3s.tenantID != "" {
		parts = append(parts, s3s.tenantID)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "PreconditionFailed"
	}
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}
