// Package minio implements artifact.Store on MinIO and S3-compatible object
// storage, for sharing a product cache between machines.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/skydrift/artifact"
	"github.com/hupe1980/skydrift/codec"
)

const fileExt = ".skd"

// Options configure a Store.
type Options struct {
	// Codec selects payload compression. Defaults to codec.Default.
	Codec codec.Codec
}

// Store implements artifact.Store backed by an object-store bucket.
//
// Object PUTs are atomic on S3-compatible stores, so the temp-and-rename dance
// of the local store is unnecessary here.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	codec  codec.Codec
}

// NewStore creates a new object-store backed artifact store.
// bucket is the bucket name; rootPrefix is prepended to all keys
// (e.g. "products/run42/").
func NewStore(client *minio.Client, bucket, rootPrefix string, optFns ...func(o *Options)) *Store {
	opts := Options{Codec: codec.Default}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
		codec:  opts.Codec,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name) + fileExt
}

func notFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

// Exists implements artifact.Store.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		if notFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Load implements artifact.Store.
func (s *Store) Load(ctx context.Context, name string) (*artifact.Artifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if notFound(err) {
			return nil, artifact.ErrNotFound
		}
		return nil, err
	}
	return artifact.Decode(data)
}

// Store implements artifact.Store.
func (s *Store) Store(ctx context.Context, name string, a *artifact.Artifact) error {
	data, err := artifact.Encode(a, s.codec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// List implements artifact.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := path.Join(s.prefix, prefix)

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		name = strings.TrimSuffix(name, fileExt)
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
