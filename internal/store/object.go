package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Key       string
	UseSSL    bool
}

// ObjectStore keeps the document as one object in a MinIO/S3 bucket. Writers
// are serialized in-process only.
type ObjectStore struct {
	client *minio.Client
	bucket string
	key    string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewObjectStore(ctx context.Context, cfg ObjectConfig, logger *slog.Logger) (*ObjectStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("object store bucket created", "bucket", cfg.Bucket)
	}

	return &ObjectStore{
		client: client,
		bucket: cfg.Bucket,
		key:    cfg.Key,
		logger: logger,
	}, nil
}

// Load returns the empty default when the object is absent or malformed.
// Transport failures are returned.
func (s *ObjectStore) Load(ctx context.Context) (Document, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return s.handleReadError(err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return s.handleReadError(err)
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		s.logger.Warn("store object malformed, using empty document", "bucket", s.bucket, "key", s.key, "error", err)
		return EmptyDocument(), nil
	}
	return doc, nil
}

func (s *ObjectStore) Save(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, doc)
}

func (s *ObjectStore) Update(ctx context.Context, fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	return s.write(ctx, doc)
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *ObjectStore) Close() error {
	return nil
}

func (s *ObjectStore) write(ctx context.Context, doc Document) error {
	data, err := EncodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put store object: %w", err)
	}
	return nil
}

func (s *ObjectStore) handleReadError(err error) (Document, error) {
	if isMissingObject(err) {
		return EmptyDocument(), nil
	}
	return Document{}, fmt.Errorf("read store object: %w", err)
}

func isMissingObject(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}
