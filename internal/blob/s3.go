package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3MinPartSize is the smallest part size S3 accepts for any part except
// the last one.
const s3MinPartSize int64 = 5 << 20

// S3Config holds the configuration for the S3 backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	// PartSizeBytes is the preferred part size; raised to the S3 minimum
	// when smaller.
	PartSizeBytes int64
	// URLExpiry is how long presigned URLs stay valid.
	URLExpiry time.Duration
}

// S3Backend implements Backend on top of S3's native multipart protocol.
// Clients write directly against presigned PutObject/UploadPart URLs.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	partSize  int64
	urlExpiry time.Duration
}

var _ Backend = (*S3Backend)(nil)

// NewS3Backend creates a new S3Backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	partSize := cfg.PartSizeBytes
	if partSize < s3MinPartSize {
		partSize = s3MinPartSize
	}
	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = 15 * time.Minute
	}

	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		partSize:  partSize,
		urlExpiry: urlExpiry,
	}, nil
}

// Provider implements Backend.
func (b *S3Backend) Provider() string { return "s3" }

// Bucket implements Backend.
func (b *S3Backend) Bucket() string { return b.bucket }

// Probe implements Backend.
func (b *S3Backend) Probe(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, b.wrapErr("probe", key, err)
	}
	return ObjectInfo{
		Key:          key,
		SizeBytes:    aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// BeginSingleWrite implements Backend using a presigned PutObject URL.
func (b *S3Backend) BeginSingleWrite(ctx context.Context, key, contentType string, _ int64) (Initiation, error) {
	req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(b.urlExpiry))
	if err != nil {
		return Initiation{}, b.wrapErr("presign put", key, err)
	}
	return Initiation{
		Strategy:     StrategySingleWrite,
		WriteURL:     req.URL,
		URLExpiresAt: time.Now().Add(b.urlExpiry),
	}, nil
}

// BeginMultipart implements Backend via CreateMultipartUpload.
func (b *S3Backend) BeginMultipart(ctx context.Context, key, contentType string, totalSizeBytes int64) (Initiation, error) {
	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Initiation{}, b.wrapErr("create multipart", key, err)
	}
	partSize, totalParts := PartLayout(totalSizeBytes, b.partSize, s3MinPartSize)
	return Initiation{
		Strategy:      StrategyMultipart,
		UploadID:      aws.ToString(out.UploadId),
		PartSizeBytes: partSize,
		TotalParts:    totalParts,
	}, nil
}

// PartWriteURL implements Backend using a presigned UploadPart URL, which
// carries the upload id and part number as query parameters.
func (b *S3Backend) PartWriteURL(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	req, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)), // #nosec G115 - part numbers are bounded at 10000
	}, s3.WithPresignExpires(b.urlExpiry))
	if err != nil {
		return "", b.wrapErr("presign part", key, err)
	}
	return req.URL, nil
}

// Commit implements Backend via CompleteMultipartUpload with the supplied
// (partNumber, etag) pairs sorted by part number.
func (b *S3Backend) Commit(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)), // #nosec G115 - part numbers are bounded at 10000
			ETag:       aws.String(p.ETag),
		}
	}

	out, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", b.wrapErr("commit", key, err)
	}
	return aws.ToString(out.ETag), nil
}

// Abort implements Backend via AbortMultipartUpload.
func (b *S3Backend) Abort(ctx context.Context, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return b.wrapErr("abort", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrapErr("delete", key, err)
	}
	return nil
}

// OpenRead implements Backend.
func (b *S3Backend) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrapErr("open", key, err)
	}
	return out.Body, nil
}

// WriteWhole implements Backend.
func (b *S3Backend) WriteWhole(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return b.wrapErr("write", key, err)
	}
	return nil
}

// wrapErr maps S3 not-found conditions to ErrNotFound and wraps everything
// else in a StorageError carrying the API error code.
func (b *S3Backend) wrapErr(op, key string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchUpload) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return &StorageError{Op: op, Key: key, Code: code, Err: err}
}
