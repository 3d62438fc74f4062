package recipebox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage stores each response as one gob-encoded object at
// <prefix><cache>/<sha256(key)>.
type S3Storage struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Storage(bucket, prefix string, client *s3.Client) *S3Storage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Storage{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (s *S3Storage) Open(_ context.Context, name string) (ResponseCache, error) {
	return &s3Cache{s: s, name: name}, nil
}

type s3Cache struct {
	s    *S3Storage
	name string
}

func (c *s3Cache) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.s.prefix + c.name + "/" + hex.EncodeToString(sum[:])
}

func (c *s3Cache) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	out, err := c.s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.s.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, err
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (c *s3Cache) Put(ctx context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	_, err = c.s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.s.bucket),
		Key:         aws.String(c.objectKey(key)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/x-gob"),
		Metadata: map[string]string{
			"request-method": ent.Method,
		},
	})
	return err
}

func (c *s3Cache) Delete(ctx context.Context, key string) error {
	_, err := c.s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.s.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	return err
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
