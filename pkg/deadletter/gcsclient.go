package deadletter

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient is the slice of *storage.Client the archive needs, so tests can
// supply an in-memory bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context) io.WriteCloser
}

// NewGCSClientAdapter wraps a real storage client.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return storageClient{client: client}
}

type storageClient struct {
	client *storage.Client
}

func (c storageClient) Bucket(name string) GCSBucketHandle {
	return storageBucket{handle: c.client.Bucket(name)}
}

type storageBucket struct {
	handle *storage.BucketHandle
}

func (b storageBucket) Object(name string) GCSObjectHandle {
	return storageObject{handle: b.handle.Object(name)}
}

type storageObject struct {
	handle *storage.ObjectHandle
}

// NewWriter returns a *storage.Writer; the object is committed on Close.
func (o storageObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.handle.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.ContentEncoding = "gzip"
	return w
}
