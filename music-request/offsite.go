package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ArchiveUploader copies a finished backup file somewhere off the host.
type ArchiveUploader interface {
	Upload(ctx context.Context, file string) error
}

// S3Config selects the bucket for offsite copies. Any S3 compatible endpoint
// works; Endpoint may be left empty for AWS itself.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access-key"`
	SecretKey string `mapstructure:"secret-key"`
	Prefix    string `mapstructure:"prefix"`
}

type s3Uploader struct {
	s3     *s3.S3
	bucket string
	prefix string
}

func newS3Uploader(cfg S3Config) (*s3Uploader, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.Endpoint != ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return &s3Uploader{s3: s3.New(sess), bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (u *s3Uploader) Upload(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(u.prefix, filepath.Base(file))
	contentType := "application/zip"
	if filepath.Ext(file) == ".json" {
		contentType = "application/json"
	}
	_, err = u.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
