// Package s3loader loads blobs from S3-compatible object storage for an
// asset cache.
package s3loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/minio/minio-go/v7"

	"github.com/IvanBrykalov/assetcache/cache"
)

var log = logging.Logger("s3loader")

var (
	// ErrNotFound wraps requests for objects that do not exist.
	ErrNotFound = errors.New("s3loader: object not found")
	// ErrTooLarge is returned for objects larger than the configured limit.
	ErrTooLarge = errors.New("s3loader: object too large")
)

const defaultMaxBytes = 64 << 20

// Object is a blob read from the bucket.
type Object struct {
	Key          string
	Data         []byte
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Loader reads objects by key. It implements cache.Loader[string, *Object].
type Loader struct {
	client   *minio.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// Option configures a Loader.
type Option func(*Loader) error

// WithPrefix is prepended to every key (e.g. "textures/").
func WithPrefix(prefix string) Option {
	return func(l *Loader) error {
		l.prefix = prefix
		return nil
	}
}

// WithMaxBytes caps the object size. Default is 64 MiB.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) error {
		if n <= 0 {
			return errors.New("max bytes must be positive")
		}
		l.maxBytes = n
		return nil
	}
}

// New creates a loader for bucket.
func New(client *minio.Client, bucket string, opts ...Option) (*Loader, error) {
	if client == nil {
		return nil, errors.New("s3loader: nil client")
	}
	if bucket == "" {
		return nil, errors.New("s3loader: empty bucket name")
	}
	l := &Loader{
		client:   client,
		bucket:   bucket,
		maxBytes: defaultMaxBytes,
	}
	for i, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return l, nil
}

// NewCache returns an object cache backed by l. opt.Loader is overwritten.
func NewCache(l *Loader, opt cache.Options[string, *Object]) cache.Cache[string, *Object] {
	opt.Loader = l
	return cache.New(opt)
}

func (l *Loader) objectName(key string) string {
	return path.Join(l.prefix, key)
}

// Load reads the object stored under key.
func (l *Loader) Load(ctx context.Context, key string) (*Object, error) {
	name := l.objectName(key)

	obj, err := l.client.GetObject(ctx, l.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, l.mapErr(name, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, l.mapErr(name, err)
	}
	if info.Size > l.maxBytes {
		return nil, fmt.Errorf("%w: %s/%s is %d bytes", ErrTooLarge, l.bucket, name, info.Size)
	}

	data, err := io.ReadAll(io.LimitReader(obj, l.maxBytes+1))
	if err != nil {
		return nil, l.mapErr(name, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: %s/%s", ErrTooLarge, l.bucket, name)
	}
	log.Debugw("Object loaded", "bucket", l.bucket, "object", name, "bytes", len(data))

	return &Object{
		Key:          key,
		Data:         data,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Unload drops the object's data.
func (l *Loader) Unload(o *Object) {
	if o == nil {
		return
	}
	o.Data = nil
	log.Debugw("Object unloaded", "bucket", l.bucket, "key", o.Key)
}

func (l *Loader) mapErr(name string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, l.bucket, name)
	}
	return fmt.Errorf("s3loader: get %s/%s: %w", l.bucket, name, err)
}

var _ cache.Loader[string, *Object] = (*Loader)(nil)
