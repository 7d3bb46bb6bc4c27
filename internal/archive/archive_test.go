package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/models"
)

type memoryBucket struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (b *memoryBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.err != nil {
		return nil, b.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Key)] = body
	b.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func TestNewDisabledWithoutBucket(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewWithStaticCredentials(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{
		S3Bucket:     "reports",
		S3Prefix:     "hippo/",
		S3Region:     "us-east-1",
		S3Endpoint:   "http://127.0.0.1:9000",
		AWSAccessKey: "minio",
		AWSSecretKey: "minio123",
	})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "reports", a.Bucket)
	assert.IsType(t, &s3.Client{}, a.Client)
}

func TestStore(t *testing.T) {
	report := filepath.Join(t.TempDir(), "report.dcm")
	require.NoError(t, os.WriteFile(report, []byte("DICM"), 0o644))

	bucket := &memoryBucket{objects: map[string][]byte{}, types: map[string]string{}}
	a := NewWithClient("reports", "hippo/", bucket)

	m := &models.Measurement{ID: "01HREPORT", PatientID: "PAT-001", StudyInstanceUID: "1.2.3", TotalVoxels: 42}
	key, err := a.Store(context.Background(), report, m)
	require.NoError(t, err)

	assert.Equal(t, "hippo/1.2.3/01HREPORT.dcm", key)
	assert.Equal(t, []byte("DICM"), bucket.objects[key])
	assert.Equal(t, "application/dicom", bucket.types[key])

	var summary models.Measurement
	require.NoError(t, json.Unmarshal(bucket.objects["hippo/1.2.3/01HREPORT.json"], &summary))
	assert.Equal(t, 42, summary.TotalVoxels)
	assert.Equal(t, "PAT-001", summary.PatientID)
}

func TestStoreFailure(t *testing.T) {
	report := filepath.Join(t.TempDir(), "report.dcm")
	require.NoError(t, os.WriteFile(report, []byte("DICM"), 0o644))

	denied := errors.New("access denied")
	a := NewWithClient("reports", "", &memoryBucket{err: denied})

	_, err := a.Store(context.Background(), report, &models.Measurement{ID: "x", StudyInstanceUID: "1"})
	assert.ErrorIs(t, err, denied)
}
