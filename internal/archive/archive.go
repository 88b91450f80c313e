// Package archive keeps a copy of every raw provider callback so disputes
// with a provider can be settled against exactly what was received.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/javajoker/imi-ledger/internal/config"
)

type Archiver interface {
	// Store writes one raw callback and returns its object key.
	Store(ctx context.Context, provider string, payload []byte, headers http.Header) (string, error)
}

// NopArchiver is used when no bucket is configured.
type NopArchiver struct{}

func (NopArchiver) Store(context.Context, string, []byte, http.Header) (string, error) {
	return "", nil
}

type S3Archiver struct {
	client s3iface.S3API
	bucket string
	now    func() time.Time
}

// New returns an S3Archiver when a bucket is configured and a NopArchiver
// otherwise.
func New(cfg config.AWSConfig) (Archiver, error) {
	if cfg.ArchiveBucket == "" {
		return NopArchiver{}, nil
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewS3Archiver(s3.New(sess), cfg.ArchiveBucket), nil
}

func NewS3Archiver(client s3iface.S3API, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, now: time.Now}
}

// signatureHeaders are kept as object metadata next to the body.
var signatureHeaders = []string{
	"Stripe-Signature",
	"X-Signature",
	"X-Gateway-Signature",
	"X-Gateway-Timestamp",
}

func (a *S3Archiver) Store(ctx context.Context, provider string, payload []byte, headers http.Header) (string, error) {
	now := a.now().UTC()
	key := path.Join("webhooks", provider, now.Format("2006/01/02"), fmt.Sprintf("%s-%s.json", now.Format("150405"), uuid.NewString()))

	metadata := map[string]*string{}
	for _, h := range signatureHeaders {
		if v := headers.Get(h); v != "" {
			metadata[strings.ReplaceAll(strings.ToLower(h), "-", "_")] = aws.String(v)
		}
	}

	_, err := a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(payload),
		ContentType:          aws.String("application/json"),
		ContentLength:        aws.Int64(int64(len(payload))),
		Metadata:             metadata,
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive %s webhook to S3: %w", provider, err)
	}
	return key, nil
}
