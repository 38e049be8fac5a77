package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"

	"github.com/reeveci/reeve-pipeline/schema"
)

const digestMetadata = "Reeve-Digest"

type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// MinioStore keeps artifacts in an S3 compatible bucket, one object per
// artifact. The digest travels as object metadata.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Store = (*MinioStore)(nil)

func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact store config - %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating minio client - %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking bucket %q - %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("error creating bucket %q - %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *MinioStore) objectKey(namespace, name string) string {
	if s.prefix == "" {
		return namespace + "/" + name
	}
	return s.prefix + "/" + namespace + "/" + name
}

func (s *MinioStore) Put(ctx context.Context, namespace, name string, content []byte) (schema.ArtifactRef, error) {
	if err := validate(namespace, name); err != nil {
		return schema.ArtifactRef{}, err
	}

	ref := Ref(namespace, name, content)
	key := s.objectKey(namespace, name)

	existing, found, err := s.stat(ctx, namespace, name)
	if err != nil {
		return schema.ArtifactRef{}, err
	}
	if found {
		if existing.Digest != ref.Digest {
			return schema.ArtifactRef{}, immutable(existing)
		}
		return existing, nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), ref.Size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{digestMetadata: ref.Digest.String()},
	})
	if err != nil {
		return schema.ArtifactRef{}, fmt.Errorf("error uploading artifact %s - %w", ref, err)
	}
	return ref, nil
}

func (s *MinioStore) Get(ctx context.Context, ref schema.ArtifactRef) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(ref.Namespace, ref.Name), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(ref, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(ref, err)
	}

	if ref.Digest.Validate() != nil || digest.FromBytes(content) != ref.Digest {
		return nil, notFound(ref)
	}
	return content, nil
}

func (s *MinioStore) Exists(ctx context.Context, ref schema.ArtifactRef) (bool, error) {
	existing, found, err := s.stat(ctx, ref.Namespace, ref.Name)
	if err != nil || !found {
		return false, err
	}
	return existing.Digest == ref.Digest, nil
}

func (s *MinioStore) Discard(ctx context.Context, namespace string) error {
	if namespace == "" {
		return validate(namespace, "-")
	}

	prefix := s.objectKey(namespace, "")
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return fmt.Errorf("error listing artifacts of %q - %w", namespace, object.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("error removing artifact %q - %w", object.Key, err)
		}
	}
	return nil
}

func (s *MinioStore) stat(ctx context.Context, namespace, name string) (schema.ArtifactRef, bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.objectKey(namespace, name), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return schema.ArtifactRef{}, false, nil
		}
		return schema.ArtifactRef{}, false, fmt.Errorf("error reading artifact %s/%s - %w", namespace, name, err)
	}

	ref := schema.ArtifactRef{Namespace: namespace, Name: name, Size: info.Size}
	for key, value := range info.UserMetadata {
		if strings.EqualFold(key, digestMetadata) || strings.EqualFold(key, "X-Amz-Meta-"+digestMetadata) {
			ref.Digest = digest.Digest(value)
		}
	}
	return ref, true, nil
}

func (s *MinioStore) translate(ref schema.ArtifactRef, err error) error {
	if isNoSuchKey(err) {
		return notFound(ref)
	}
	return fmt.Errorf("error reading artifact %s - %w", ref, err)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
