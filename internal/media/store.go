// Package media stores uploaded page PDFs in S3-compatible object storage.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	pdfContentType = "application/pdf"
	// MaxPDFSize caps a single upload.
	MaxPDFSize = 50 << 20
)

var (
	ErrNotFound = errors.New("media not found")
	ErrNotPDF   = errors.New("media is not a pdf")
	ErrTooLarge = errors.New("media exceeds size limit")
)

var pdfMagic = []byte("%PDF-")

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client *minio.Client
	bucket string
}

// Object is an open stored file.
type Object struct {
	io.ReadCloser
	Size        int64
	ContentType string
}

func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("media: bucket is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutPDF stores r under id. size may be -1 when unknown. The body must
// start with the PDF signature.
func (s *Store) PutPDF(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	if size > MaxPDFSize {
		return 0, ErrTooLarge
	}
	br := bufio.NewReader(io.LimitReader(r, MaxPDFSize+1))
	head, err := br.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		return 0, ErrNotPDF
	}

	body := io.Reader(br)
	if size < 0 {
		buf, err := io.ReadAll(br)
		if err != nil {
			return 0, fmt.Errorf("read upload: %w", err)
		}
		if int64(len(buf)) > MaxPDFSize {
			return 0, ErrTooLarge
		}
		body, size = bytes.NewReader(buf), int64(len(buf))
	}

	info, err := s.client.PutObject(ctx, s.bucket, ObjectName(id), body, size, minio.PutObjectOptions{
		ContentType: pdfContentType,
	})
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", id, err)
	}
	return info.Size, nil
}

// OpenPDF opens the stored PDF for id. The caller closes the object.
func (s *Store) OpenPDF(ctx context.Context, id string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ObjectName(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(id, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, mapError(id, err)
	}
	contentType := stat.ContentType
	if contentType == "" {
		contentType = pdfContentType
	}
	return &Object{ReadCloser: obj, Size: stat.Size, ContentType: contentType}, nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// ObjectName is the key a document's page PDF is stored under.
func ObjectName(id string) string {
	return "pdf/" + id + ".pdf"
}

func mapError(id string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("pdf %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("pdf %s: %w", id, err)
}
