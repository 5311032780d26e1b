// Package blobstore archives large log files in a Google Cloud Storage
// bucket and hands back stable URLs for the read API.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
)

// Uploader stores one object and returns the URL it will be served from.
type Uploader interface {
	Upload(ctx context.Context, name string, contents io.Reader) (string, error)
}

// GCS implements Uploader on a GCS bucket.
type GCS struct {
	bucket     *storage.BucketHandle
	bucketName string
}

// NewGCS opens the bucket. credentialsFile may be empty, in which case
// application default credentials are used.
func NewGCS(ctx context.Context, bucketName, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage client")
	}
	return &GCS{bucket: client.Bucket(bucketName), bucketName: bucketName}, nil
}

// Upload implements Uploader. Objects are written as gzip-encoded text so
// browsers fetching the URL get the log decompressed transparently.
func (g *GCS) Upload(ctx context.Context, name string, contents io.Reader) (string, error) {
	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	w.ContentEncoding = "gzip"
	if _, err := io.Copy(w, contents); err != nil {
		_ = w.Close()
		return "", errors.Wrapf(err, "writing gs://%s/%s", g.bucketName, name)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "finalizing gs://%s/%s", g.bucketName, name)
	}
	return g.URL(name), nil
}

// URL returns the public URL of an object in the bucket.
func (g *GCS) URL(name string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucketName, name)
}
