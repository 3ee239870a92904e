package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vietddude/healer/internal/core/domain"
)

// Config holds S3-compatible object store settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("object_store.endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("object_store.bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("object_store credentials are required")
	}
	return nil
}

// Archive implements storage.QuarantineStore on an S3 bucket. Every Write
// produces one JSON object per pipeline and batch.
type Archive struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time
}

// NewArchive connects to the object store and makes sure the bucket exists.
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure quarantine bucket: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "quarantine"
	}
	return &Archive{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// Health checks that the bucket is reachable.
func (a *Archive) Health(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", a.bucket)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func pipelinePrefix(prefix, pipelineID string) string {
	return path.Join(prefix, pipelineID) + "/"
}

// objectKey lays records out as <prefix>/<pipeline>/<yyyy-mm-dd>/<batch>-<unix nanos>.json.
func objectKey(prefix, pipelineID, batchID string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%d.json", batchID, at.UnixNano())
	return path.Join(prefix, pipelineID, at.Format("2006-01-02"), name)
}

func groupRecords(records []domain.QuarantineRecord) map[[2]string][]domain.QuarantineRecord {
	groups := make(map[[2]string][]domain.QuarantineRecord)
	for _, rec := range records {
		k := [2]string{rec.PipelineID, rec.BatchID}
		groups[k] = append(groups[k], rec)
	}
	return groups
}

// Write uploads the records. PutObject returns only after the object is stored.
func (a *Archive) Write(ctx context.Context, records []domain.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := a.now()
	for k, group := range groupRecords(records) {
		data, err := json.Marshal(group)
		if err != nil {
			return fmt.Errorf("marshal quarantine batch: %w", err)
		}
		key := objectKey(a.prefix, k[0], k[1], now)
		_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/json"})
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return nil
}

func (a *Archive) listObjects(ctx context.Context, prefix string) ([]minio.ObjectInfo, error) {
	var objects []minio.ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (a *Archive) readObject(ctx context.Context, key string) ([]domain.QuarantineRecord, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	var records []domain.QuarantineRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return records, nil
}

// List returns the newest records of a pipeline.
func (a *Archive) List(ctx context.Context, pipelineID string, limit int) ([]domain.QuarantineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	objects, err := a.listObjects(ctx, pipelinePrefix(a.prefix, pipelineID))
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})

	var out []domain.QuarantineRecord
	for _, obj := range objects {
		records, err := a.readObject(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			out = append(out, rec)
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Count reads every object of the pipeline.
func (a *Archive) Count(ctx context.Context, pipelineID string) (int, error) {
	objects, err := a.listObjects(ctx, pipelinePrefix(a.prefix, pipelineID))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, obj := range objects {
		records, err := a.readObject(ctx, obj.Key)
		if err != nil {
			return 0, err
		}
		n += len(records)
	}
	return n, nil
}

// Prune removes objects last modified before the cutoff. The returned count is
// in objects, not records.
func (a *Archive) Prune(ctx context.Context, before time.Time) (int64, error) {
	objects, err := a.listObjects(ctx, a.prefix+"/")
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, obj := range objects {
		if !obj.LastModified.Before(before) {
			continue
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}
