// Package archive stores settlement receipts in an S3-compatible bucket
// (AWS, MinIO, R2).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ports"
)

// S3Config holds the bucket and credentials for the receipt archive.
type S3Config struct {
	Endpoint       string // empty for AWS S3
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	ForcePathStyle bool
	Prefix         string // defaults to "receipts"
}

// objectPutter is the part of *s3.Client used here.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 implements ports.ReceiptArchive. One JSON object per market, keyed by
// market ID, so re-archiving a receipt overwrites the same object.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
}

var _ ports.ReceiptArchive = (*S3)(nil)

// NewS3 builds the S3 client from static credentials.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.NewS3: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive.NewS3: region is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("archive.NewS3: load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint, cfg.UseSSL)
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3(client objectPutter, bucket, prefix string) *S3 {
	if prefix == "" {
		prefix = "receipts"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// PutReceipt uploads r as receipts/<market_id>.json.
func (a *S3) PutReceipt(ctx context.Context, r domain.Receipt) error {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("archive.S3.PutReceipt: marshal %s: %w", r.MarketID, err)
	}
	key := a.key(r.MarketID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive.S3.PutReceipt: put %s: %w", key, err)
	}
	return nil
}

func (a *S3) key(marketID string) string {
	return path.Join(a.prefix, marketID+".json")
}

// normaliseEndpoint antepone el esquema si falta. "host:port" no se
// trata como esquema.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
