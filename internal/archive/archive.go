// Package archive keeps a copy of every delivered report in S3.
package archive

import (
	"bytes"
	"context"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/models"
)

// ObjectPutter is the subset of the S3 client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	Bucket string
	Prefix string
	Client ObjectPutter

	logger zerolog.Logger
}

// New returns nil when no bucket is configured.
func New(ctx context.Context, conf config.ArchiveConfig) (*Archiver, error) {
	if conf.S3Bucket == "" {
		log.Info().Str("module", "archive").Msg("S3 archive is disabled due to missing bucket")
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if conf.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(conf.S3Region))
	}
	if conf.AWSAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AWSAccessKey, conf.AWSSecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if conf.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(conf.S3Bucket, conf.S3Prefix, client), nil
}

func NewWithClient(bucket, prefix string, client ObjectPutter) *Archiver {
	return &Archiver{
		Bucket: bucket,
		Prefix: prefix,
		Client: client,
		logger: log.With().Str("module", "archive").Str("bucket", bucket).Logger(),
	}
}

// Key is where a report lands: {prefix}{studyUID}/{reportID}{ext}.
func (a *Archiver) Key(studyUID, reportID, ext string) string {
	return a.Prefix + path.Join(studyUID, reportID+ext)
}

// Store uploads the report file and a JSON summary of the measurement next to
// it, and returns the key of the report object.
func (a *Archiver) Store(ctx context.Context, reportPath string, m *models.Measurement) (string, error) {
	body, err := os.ReadFile(reportPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to read report")
	}

	key := a.Key(m.StudyInstanceUID, m.ID, ".dcm")
	if err := a.put(ctx, key, "application/dicom", body); err != nil {
		return "", err
	}

	summary, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode summary")
	}
	if err := a.put(ctx, a.Key(m.StudyInstanceUID, m.ID, ".json"), "application/json", summary); err != nil {
		return "", err
	}

	a.logger.Info().Str("key", key).Int("size", len(body)).Msg("report archived")
	return key, nil
}

func (a *Archiver) put(ctx context.Context, key, contentType string, body []byte) error {
	if _, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}); err != nil {
		return errors.Wrapf(err, "failed to invoke PutObject for %q", key)
	}
	return nil
}
