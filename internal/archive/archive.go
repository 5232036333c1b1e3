// Package archive copies dead-lettered modifications to S3-compatible
// storage so quarantined writes survive database retention. When no
// bucket is configured the NoopArchiver is used and archiving is skipped.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/coreplane/mirrorsync/internal/config"
	"github.com/coreplane/mirrorsync/internal/types"
)

// Record is the archived document: the quarantined modification plus
// enough mirror context to replay it by hand.
type Record struct {
	Modification   types.ModificationRecord `json:"modification"`
	OrganizationID string                   `json:"organization_id"`
	ExternalID     string                   `json:"external_id"`
	MirrorVersion  int64                    `json:"mirror_version"`
	ArchivedAt     time.Time                `json:"archived_at"`
}

// Archiver stores dead-lettered modifications out of band.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// s3Client defines the minimal minio.Client operations used by S3Archiver.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, body []byte) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, body []byte) error {
	opts := minio.PutObjectOptions{
		ContentType: "application/json",
	}
	_, err := w.client.PutObject(ctx, bucket, objectName, bytes.NewReader(body), int64(len(body)), opts)
	return err
}

// S3Archiver writes archive records to S3-compatible storage.
type S3Archiver struct {
	client s3Client
	bucket string
}

// Archive uploads one dead-lettered modification as a JSON document.
func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	key := objectKey(rec.OrganizationID, rec.Modification.ID)
	if err := a.client.PutObject(ctx, a.bucket, key, body); err != nil {
		return fmt.Errorf("upload archive record to S3: %w", err)
	}
	return nil
}

// NoopArchiver is used when archive storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when archive storage is not configured.
func (a *NoopArchiver) Archive(ctx context.Context, rec Record) error {
	return nil
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if cfg.Bucket == "" {
		return &NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// stripScheme removes an http:// or https:// prefix from the endpoint,
// adjusting ssl to match. minio.New wants a bare host.
func stripScheme(endpoint string, ssl *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*ssl = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*ssl = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// objectKey returns the S3 object key for one archived modification.
// Convention: {organization_id}/dead-letter/{modification_id}.json
func objectKey(orgID, modID string) string {
	return orgID + "/dead-letter/" + modID + ".json"
}
