package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/retry"
)

const (
	// defaultPartSize is the multipart chunk size when Config leaves it
	// unset.
	defaultPartSize = 8 << 20

	// defaultMultipartThreshold is the file size at which uploads switch
	// from a single PutObject to multipart.
	defaultMultipartThreshold = 8 << 20

	// maxParallelParts bounds concurrent part uploads per file.
	maxParallelParts = 4

	// progressInterval is the minimum byte delta between progress callbacks.
	progressInterval = 10 << 20

	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
)

// Config holds the S3 connection and transfer settings. Zero values fall
// back to the package defaults.
type Config struct {
	Region    string
	Endpoint  string // optional, for MinIO/localstack
	AccessKey string
	SecretKey string

	// MultipartThreshold is the file size, in bytes, above which uploads
	// use multipart. PartSize is the multipart chunk size.
	MultipartThreshold int64
	PartSize           int64

	// ConnectTimeout bounds TCP dial time; ReadTimeout bounds the wait for
	// response headers on each call.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client is the S3-backed Store implementation.
type Client struct {
	s3        *s3.Client
	policy    retry.Policy
	logger    *zap.Logger
	partSize  int64
	threshold int64
}

var _ Store = (*Client)(nil)

// New builds a Client from the given settings. When Endpoint is set the
// client uses path-style addressing, required for MinIO and localstack.
// The SDK's own retry loop is disabled; retries happen in this package so
// the backoff schedule and classification stay in one place.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PartSize <= 0 {
		cfg.PartSize = defaultPartSize
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = defaultMultipartThreshold
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: cfg.ReadTimeout,
		},
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	c := &Client{
		s3:        client,
		logger:    logger,
		partSize:  cfg.PartSize,
		threshold: cfg.MultipartThreshold,
	}
	c.policy = retry.DefaultPolicy(IsRetryable)
	c.policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying object store operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return c, nil
}

// Upload stores a local file under key. Files at or above the multipart
// threshold use multipart upload with parallel parts; a failed multipart
// upload is aborted so no incomplete parts accrue charges. After upload the
// object size is checked with a HEAD request; a mismatch is logged, not
// fatal.
func (c *Client) Upload(ctx context.Context, bucket, key, localPath string, class db.StorageClass, progress ProgressFunc) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("objectstore: stat %s: %w", localPath, err)
	}
	size := info.Size()

	if size < c.threshold {
		err = c.uploadSingle(ctx, bucket, key, localPath, class, size, progress)
	} else {
		err = c.uploadMultipart(ctx, bucket, key, localPath, class, size, progress)
	}
	if err != nil {
		return err
	}

	remote, err := c.Head(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("objectstore: verify %s: %w", key, err)
	}
	if remote.Size != size {
		// The upload itself succeeded; the caller decides whether a size
		// discrepancy invalidates the run.
		c.logger.Warn("uploaded object size differs from local file",
			zap.String("key", key),
			zap.Int64("local_bytes", size),
			zap.Int64("remote_bytes", remote.Size),
		)
	}
	return nil
}

func (c *Client) uploadSingle(ctx context.Context, bucket, key, localPath string, class db.StorageClass, size int64, progress ProgressFunc) error {
	err := c.policy.Do(ctx, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close()

		_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(bucket),
			Key:          aws.String(key),
			Body:         f,
			StorageClass: types.StorageClass(class.S3Name()),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	if progress != nil {
		progress(size, size)
	}
	return nil
}

func (c *Client) uploadMultipart(ctx context.Context, bucket, key, localPath string, class db.StorageClass, size int64, progress ProgressFunc) error {
	var uploadID string
	err := c.policy.Do(ctx, func() error {
		out, err := c.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:       aws.String(bucket),
			Key:          aws.String(key),
			StorageClass: types.StorageClass(class.S3Name()),
		})
		if err != nil {
			return err
		}
		uploadID = *out.UploadId
		return nil
	})
	if err != nil {
		return fmt.Errorf("objectstore: create multipart upload for %s: %w", key, err)
	}

	completed, err := c.uploadParts(ctx, bucket, key, localPath, uploadID, size, progress)
	if err != nil {
		c.abortMultipart(bucket, key, uploadID)
		return err
	}

	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})

	err = c.policy.Do(ctx, func() error {
		_, err := c.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
	if err != nil {
		c.abortMultipart(bucket, key, uploadID)
		return fmt.Errorf("objectstore: complete multipart upload for %s: %w", key, err)
	}
	return nil
}

// uploadParts reads the file in part-size chunks and uploads them with bounded
// parallelism. Each goroutine reads its part via ReadAt so no shared offset
// is needed.
func (c *Client) uploadParts(ctx context.Context, bucket, key, localPath, uploadID string, size int64, progress ProgressFunc) ([]types.CompletedPart, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open %s: %w", localPath, err)
	}
	defer f.Close()

	numParts := int((size + c.partSize - 1) / c.partSize)

	var (
		mu        sync.Mutex
		completed []types.CompletedPart
		uploaded  int64
		lastNote  int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelParts)

	for part := 1; part <= numParts; part++ {
		part := part
		g.Go(func() error {
			offset := int64(part-1) * c.partSize
			length := c.partSize
			if offset+length > size {
				length = size - offset
			}

			buf := make([]byte, length)
			if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
				return fmt.Errorf("read part %d: %w", part, err)
			}

			var etag *string
			err := c.policy.Do(gctx, func() error {
				out, err := c.s3.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:     aws.String(bucket),
					Key:        aws.String(key),
					UploadId:   aws.String(uploadID),
					PartNumber: aws.Int32(int32(part)),
					Body:       bytes.NewReader(buf),
				})
				if err != nil {
					return err
				}
				etag = out.ETag
				return nil
			})
			if err != nil {
				return fmt.Errorf("upload part %d: %w", part, err)
			}

			mu.Lock()
			completed = append(completed, types.CompletedPart{
				ETag:       etag,
				PartNumber: aws.Int32(int32(part)),
			})
			uploaded += length
			if progress != nil && (uploaded-lastNote >= progressInterval || uploaded == size) {
				lastNote = uploaded
				progress(uploaded, size)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("objectstore: multipart upload for %s: %w", key, err)
	}
	return completed, nil
}

// abortMultipart cleans up a failed multipart upload. Runs on a fresh
// context because the caller's context may already be cancelled. Failure to
// abort is logged, not surfaced: the upload error is the one that matters.
func (c *Client) abortMultipart(bucket, key, uploadID string) {
	_, err := c.s3.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		c.logger.Warn("failed to abort multipart upload",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}

// PutBytes stores a small in-memory payload in the hot tier.
func (c *Client) PutBytes(ctx context.Context, bucket, key string, data []byte) error {
	err := c.policy.Do(ctx, func() error {
		_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(data),
			StorageClass: types.StorageClass(db.ClassHot.S3Name()),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// GetBytes fetches an object fully into memory.
func (c *Client) GetBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := c.policy.Do(ctx, func() error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return data, nil
}

// Download fetches an object to a local file. The file is written to a
// temporary name first and renamed into place on success.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) error {
	tmp := localPath + ".partial"
	err := c.policy.Do(ctx, func() error {
		out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("create %s: %w", tmp, err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write %s: %w", tmp, err)
		}
		return f.Close()
	})
	if err != nil {
		os.Remove(tmp)
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("objectstore: download %s: %w", key, err)
	}
	return os.Rename(tmp, localPath)
}

// Head returns object metadata without fetching the body.
func (c *Client) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := c.policy.Do(ctx, func() error {
		out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		info = ObjectInfo{
			Key:          key,
			StorageClass: string(out.StorageClass),
		}
		if out.ContentLength != nil {
			info.Size = *out.ContentLength
		}
		if out.LastModified != nil {
			info.LastModified = *out.LastModified
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return info, nil
}

// List returns all objects under the given prefix, walking every page.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := c.policy.Do(ctx, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:          aws.ToString(obj.Key),
				StorageClass: string(obj.StorageClass),
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// InitiateColdRestore requests rehydration of a cold-tier object for the
// given number of days. A restore already in flight is treated as success.
func (c *Client) InitiateColdRestore(ctx context.Context, bucket, key string, tier RestoreTier, days int32) error {
	err := c.policy.Do(ctx, func() error {
		_, err := c.s3.RestoreObject(ctx, &s3.RestoreObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			RestoreRequest: &types.RestoreRequest{
				Days: aws.Int32(days),
				GlacierJobParameters: &types.GlacierJobParameters{
					Tier: types.Tier(tier),
				},
			},
		})
		return err
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "RestoreAlreadyInProgress" {
			return nil
		}
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("objectstore: restore %s: %w", key, err)
	}
	return nil
}

// CheckColdRestore inspects the x-amz-restore header to report rehydration
// progress. ongoing-request="true" means in flight; "false" means a readable
// copy exists; no header means no restore was requested.
func (c *Client) CheckColdRestore(ctx context.Context, bucket, key string) (RestoreStatus, error) {
	var restore string
	err := c.policy.Do(ctx, func() error {
		out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		restore = aws.ToString(out.Restore)
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return RestoreNone, ErrObjectNotFound
		}
		return RestoreNone, fmt.Errorf("objectstore: check restore %s: %w", key, err)
	}

	switch {
	case restore == "":
		return RestoreNone, nil
	case strings.Contains(restore, `ongoing-request="true"`):
		return RestoreInProgress, nil
	default:
		return RestoreReady, nil
	}
}

// isNotFound reports whether err means the object does not exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}
