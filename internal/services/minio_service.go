package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stockledger/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// SnapshotArchiver keeps a JSON copy of each snapshot outside the database.
type SnapshotArchiver interface {
	Archive(ctx context.Context, snapshot *models.InventorySnapshot) (string, error)
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	EnsureBucketExists(ctx context.Context) error
	Ping(ctx context.Context) error
}

type minioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(endpoint, accessKey, secretKey, bucket string, useSSL bool) (SnapshotArchiver, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioArchiver{client: client, bucket: bucket}, nil
}

func snapshotObjectKey(s *models.InventorySnapshot) string {
	return fmt.Sprintf("snapshots/%s/%s/%s.json", s.TakenAt.UTC().Format("2006/01/02"), s.Kind, s.ID)
}

func (m *minioArchiver) Archive(ctx context.Context, snapshot *models.InventorySnapshot) (string, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := snapshotObjectKey(snapshot)
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", snapshot.ID, err)
	}
	return key, nil
}

func (m *minioArchiver) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", err
	}
	return url.String(), nil
}

func (m *minioArchiver) EnsureBucketExists(ctx context.Context) error {
	found, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !found {
		return m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (m *minioArchiver) Ping(ctx context.Context) error {
	found, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}
