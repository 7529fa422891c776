// Package s3 moves backup archives to and from S3 compatible storage.
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/pgzipbackup/pkg/config"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
	"github.com/supporttools/pgzipbackup/pkg/metrics"
)

// Scheme prefixes archive names stored in S3
const Scheme = "s3://"

// API is the part of the S3 client used here
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client represents an S3 client
type Client struct {
	api    API
	sdk    *s3.Client
	cfg    config.S3Config
	ledger *metadata.Store
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewClient creates a client from the S3 settings. ledger may be nil.
func NewClient(ctx context.Context, cfg config.S3Config, ledger *metadata.Store) (*Client, error) {
	if !cfg.Enabled {
		return nil, errors.New("S3 storage is not enabled in configuration")
	}

	sdk, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize S3 client")
	}

	c := NewClientWithAPI(sdk, cfg, ledger)
	c.sdk = sdk
	return c, nil
}

// NewClientWithAPI creates a client on top of an existing API
func NewClientWithAPI(api API, cfg config.S3Config, ledger *metadata.Store) *Client {
	return &Client{api: api, cfg: cfg, ledger: ledger, log: logrus.StandardLogger(), now: time.Now}
}

// newS3Client initializes an SDK client based on configuration
func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read custom CA certificate")
			}
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, errors.New("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			logrus.WithField("path", cfg.CustomCAPath).Debug("Using custom CA certificate")
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			logrus.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	}
	// without static keys the default chain applies (env, profile, IAM role)
	if cfg.AccessKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "AWS SDK config initialization error")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// IsURL reports whether name refers to an S3 object
func IsURL(name string) bool {
	return strings.HasPrefix(name, Scheme)
}

// ParseURL splits s3://bucket/key into its bucket and key
func ParseURL(name string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(name, Scheme)
	if !ok {
		return "", "", errors.Errorf("%s is not an S3 URL", name)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", errors.Errorf("S3 URL %s needs a bucket and an object key", name)
	}
	return bucket, key, nil
}

// ObjectKey returns the key an archive named fileName is uploaded under
func (c *Client) ObjectKey(fileName string) string {
	if c.cfg.Prefix == "" {
		return fileName
	}
	return strings.TrimSuffix(c.cfg.Prefix, "/") + "/" + fileName
}

// URL returns the s3:// name of key in the configured bucket
func (c *Client) URL(key string) string {
	return Scheme + c.cfg.Bucket + "/" + key
}

// UploadArchive uploads the archive at path under key. runID, when set,
// records the upload in the ledger.
func (c *Client) UploadArchive(ctx context.Context, path, key, runID string) (err error) {
	start := time.Now()
	defer func() { c.observe("upload", start, err) }()

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open backup file for S3 upload")
	}
	defer file.Close()

	log := c.log.WithFields(logrus.Fields{"bucket": c.cfg.Bucket, "key": key})
	if info, statErr := file.Stat(); statErr == nil {
		log = log.WithField("size", humanize.Bytes(uint64(info.Size())))
	}
	log.Debug("Uploading archive to S3")

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		err = errors.Wrap(err, "failed to upload backup to S3")
	}

	if runID != "" && c.ledger != nil {
		status := metadata.StatusSuccess
		if err != nil {
			status = metadata.StatusError
		}
		if ledgerErr := c.ledger.UpdateS3UploadStatus(runID, status, key, err); ledgerErr != nil {
			log.WithError(ledgerErr).Warn("Failed to record upload in ledger")
		}
	}
	if err != nil {
		return err
	}

	log.Infof("Successfully uploaded backup to %s", c.URL(key))
	return nil
}

// DownloadArchive fetches s3://bucket/key into the file dest and returns
// its size
func (c *Client) DownloadArchive(ctx context.Context, bucket, key, dest string) (n int64, err error) {
	start := time.Now()
	defer func() { c.observe("download", start, err) }()

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to download %s%s/%s", Scheme, bucket, key)
	}
	defer out.Body.Close()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create download file")
	}
	n, err = io.Copy(f, out.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, errors.Wrapf(err, "failed to download %s%s/%s", Scheme, bucket, key)
	}

	c.log.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"size":   humanize.Bytes(uint64(n)),
	}).Debug("Downloaded archive from S3")
	return n, nil
}

// Object describes a stored archive
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListArchives returns the archives stored under the prefix
func (c *Client) ListArchives(ctx context.Context) ([]Object, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(c.prefix()),
	})

	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list S3 objects")
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".zip") {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (c *Client) prefix() string {
	if c.cfg.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(c.cfg.Prefix, "/") + "/"
}

// EnforceRetention deletes archives under the prefix older than maxAge. A
// zero maxAge keeps everything.
func (c *Client) EnforceRetention(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(c.prefix()),
	})

	expiration := c.now().Add(-maxAge)
	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, errors.Wrap(err, "failed to list S3 objects")
		}

		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(expiration) {
				continue
			}
			key := aws.ToString(obj.Key)
			_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.cfg.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				c.log.WithError(err).WithField("key", key).Warn("Failed to delete expired S3 backup")
				continue
			}
			removed++
			c.log.WithField("key", key).Info("Removed expired S3 backup")
			c.markDeleted(key)
		}
	}
	return removed, nil
}

func (c *Client) markDeleted(key string) {
	if c.ledger == nil {
		return
	}
	for _, run := range c.ledger.GetRunsFiltered("dump", true) {
		if run.S3Key == key {
			if err := c.ledger.MarkRunDeleted(run.ID); err != nil {
				c.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to mark run deleted in ledger")
			}
			return
		}
	}
}

func (c *Client) observe(direction string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.S3TransferCount.WithLabelValues(direction, status).Inc()
	metrics.S3TransferDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}
