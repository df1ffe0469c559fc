package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ImagesBucket is the GridFS bucket submitted photos are kept in.
const ImagesBucket = "images"

// ImagePath is the route prefix images are served from.
const ImagePath = "/api/images/"

// ImageStore keeps photos in GridFS. Handles are the hex ids of the GridFS files.
type ImageStore struct {
	db      *mongo.Database
	baseURL string
}

// NewImageStore creates a store whose URLs are rooted at baseURL.
func NewImageStore(db *mongo.Database, baseURL string) *ImageStore {
	return &ImageStore{db: db, baseURL: strings.TrimRight(baseURL, "/")}
}

// Per-operation limits. A request deadline that is sooner wins.
const (
	ImageReadTimeout   = 10 * time.Second
	ImageWriteTimeout  = 30 * time.Second
	ImageStreamTimeout = time.Minute
)

// opDeadline is the earlier of ctx's deadline and now+limit.
func opDeadline(ctx context.Context, now time.Time, limit time.Duration) time.Time {
	deadline := now.Add(limit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// bucket opens a bucket bounded by ctx's deadline and limit. Buckets carry their
// deadlines, so each operation gets its own.
func (s *ImageStore) bucket(ctx context.Context, limit time.Duration) (*gridfs.Bucket, error) {
	b, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(ImagesBucket))
	if err != nil {
		return nil, err
	}
	deadline := opDeadline(ctx, time.Now(), limit)
	if err := b.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	if err := b.SetWriteDeadline(deadline); err != nil {
		return nil, err
	}
	return b, nil
}

// untilDone runs fn and returns its result, or ctx's error as soon as ctx is done.
// fn is left to finish on its own and must be bounded.
func untilDone(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fn()
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// URL returns the public URL of the image with the given handle.
func (s *ImageStore) URL(handle string) string {
	return s.baseURL + ImagePath + handle
}

func parseHandle(handle string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(handle)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid image handle %q: %w", handle, models.ErrNotFound)
	}
	return id, nil
}

// Upload stores data and returns where it can be fetched from.
func (s *ImageStore) Upload(ctx context.Context, data []byte, contentType string) (models.ImageRef, error) {
	b, err := s.bucket(ctx, ImageWriteTimeout)
	if err != nil {
		return models.ImageRef{}, err
	}
	name := fmt.Sprintf("issue-%d", time.Now().UnixNano())
	opts := options.GridFSUpload().SetMetadata(bson.D{{Key: "contentType", Value: contentType}})
	id, err := b.UploadFromStream(name, bytes.NewReader(data), opts)
	if err != nil {
		return models.ImageRef{}, fmt.Errorf("failed to store image: %w", err)
	}
	return models.ImageRef{URL: s.URL(id.Hex()), Handle: id.Hex()}, nil
}

// Download reads a stored image fully.
func (s *ImageStore) Download(ctx context.Context, handle string) ([]byte, error) {
	id, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.bucket(ctx, ImageReadTimeout)
	if err != nil {
		return nil, err
	}
	// the driver's download does not take a context; the bucket deadline bounds it
	return untilDone(ctx, func() ([]byte, error) {
		var buf bytes.Buffer
		if _, err := b.DownloadToStream(id, &buf); err != nil {
			return nil, fileError(err)
		}
		return buf.Bytes(), nil
	})
}

// Delete removes a stored image. Missing images are not an error.
func (s *ImageStore) Delete(ctx context.Context, handle string) error {
	id, err := parseHandle(handle)
	if err != nil {
		return err
	}
	b, err := s.bucket(ctx, ImageWriteTimeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithDeadline(ctx, opDeadline(ctx, time.Now(), ImageWriteTimeout))
	defer cancel()
	if err := b.DeleteContext(ctx, id); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return err
	}
	return nil
}

// Image is an open stored image.
type Image struct {
	io.ReadCloser
	ContentType string
	Length      int64
}

// Open streams a stored image. The caller closes it.
func (s *ImageStore) Open(ctx context.Context, handle string) (*Image, error) {
	id, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	b, err := s.bucket(ctx, ImageStreamTimeout)
	if err != nil {
		return nil, err
	}
	stream, err := b.OpenDownloadStream(id)
	if err != nil {
		return nil, fileError(err)
	}
	file := stream.GetFile()
	return &Image{
		ReadCloser:  stream,
		ContentType: contentTypeOf(file.Metadata),
		Length:      file.Length,
	}, nil
}

func contentTypeOf(metadata bson.Raw) string {
	if len(metadata) == 0 {
		return "application/octet-stream"
	}
	if ct, ok := metadata.Lookup("contentType").StringValueOK(); ok && ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fileError(err error) error {
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return models.ErrNotFound
	}
	return err
}
