package s3

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// PresignArchive creates a URL that downloads key without credentials
// until expiry passes
func (c *Client) PresignArchive(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if c.sdk == nil {
		return "", errors.New("presigning needs an SDK backed client")
	}

	presignClient := s3.NewPresignClient(c.sdk)
	res, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to generate presigned URL")
	}

	c.log.WithField("key", key).Debugf("Generated presigned URL (expires in %s)", expiry)
	return res.URL, nil
}
