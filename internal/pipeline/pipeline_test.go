package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/dicomio"
	"ikh/hippovolume/internal/lock"
	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/volume"
)

const size = 4

func element(t *testing.T, tg tag.Tag, data interface{}) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, data)
	require.NoError(t, err)
	return e
}

// writeStudy writes a size^3 HippoCrop series plus one unrelated instance.
func writeStudy(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, "study1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	write := func(name, description, seriesUID string, number int) {
		pixels := make([][]int, size*size)
		for i := range pixels {
			pixels[i] = []int{(number*7 + i) % 50}
		}
		sop := dicomio.NewUID()
		ds := dicom.Dataset{Elements: []*dicom.Element{
			element(t, tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
			element(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
			element(t, tag.MediaStorageSOPInstanceUID, []string{sop}),
			element(t, tag.TransferSyntaxUID, []string{dicomio.ExplicitVRLittleEndianUID}),
			element(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
			element(t, tag.SOPInstanceUID, []string{sop}),
			element(t, tag.Modality, []string{"MR"}),
			element(t, tag.SeriesDescription, []string{description}),
			element(t, tag.PatientID, []string{"PAT-001"}),
			element(t, tag.StudyInstanceUID, []string{"1.2.3"}),
			element(t, tag.SeriesInstanceUID, []string{seriesUID}),
			element(t, tag.InstanceNumber, []string{strconv.Itoa(number)}),
			element(t, tag.ImagePositionPatient, []string{strconv.Itoa(number), "0", "0"}),
			element(t, tag.SliceThickness, []string{"1"}),
			element(t, tag.PixelSpacing, []string{"1", "1"}),
			element(t, tag.SamplesPerPixel, []int{1}),
			element(t, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			element(t, tag.Rows, []int{size}),
			element(t, tag.Columns, []int{size}),
			element(t, tag.BitsAllocated, []int{16}),
			element(t, tag.BitsStored, []int{16}),
			element(t, tag.HighBit, []int{15}),
			element(t, tag.PixelRepresentation, []int{0}),
			element(t, tag.PixelData, dicom.PixelDataInfo{
				Frames: []*frame.Frame{{
					NativeData: frame.NativeFrame{Data: pixels, Rows: size, Cols: size, BitsPerSample: 16},
				}},
			}),
		}}
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, dicom.Write(f, ds))
	}

	for i := 1; i <= size; i++ {
		write("hippo"+strconv.Itoa(i)+".dcm", "HippoCrop", "1.2.3.10", i)
	}
	write("t1.dcm", "MPRAGE", "1.2.3.11", 1)
	return dir
}

// cornerAgent labels the first two x-slices anterior and the last posterior.
type cornerAgent struct{ patch int }

func (a cornerAgent) Infer(_ context.Context, vol *volume.Volume) (*volume.Labels, error) {
	pred, err := volume.NewLabels(volume.Shape{vol.Shape[0], a.patch, a.patch})
	if err != nil {
		return nil, err
	}
	pred.Set(0, 0, 0, 1)
	pred.Set(1, 0, 0, 1)
	pred.Set(vol.Shape[0]-1, 1, 1, 2)
	return pred, nil
}

type fakeSender struct {
	sent []string
	err  error
}

func (s *fakeSender) Send(_ context.Context, path string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, path)
	return nil
}

type fakeStore struct{ created []*models.Measurement }

func (s *fakeStore) Create(_ context.Context, m *models.Measurement) error {
	s.created = append(s.created, m)
	return nil
}

type fakePublisher struct{ err error }

func (p fakePublisher) Publish(context.Context, *models.MeasurementEvent) error { return p.err }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.Default()
	conf.DirectoryPath = t.TempDir()
	conf.Report.OutputDir = filepath.Join(t.TempDir(), "out")
	conf.Report.CleanupDelay = time.Millisecond
	conf.Model.PatchSize = 8
	return conf
}

func TestRun(t *testing.T) {
	conf := testConfig(t)
	dir := writeStudy(t, conf.DirectoryPath)

	sender := &fakeSender{}
	store := &fakeStore{}
	p := New(conf, Deps{
		Agent:     cornerAgent{patch: conf.Model.PatchSize},
		Sender:    sender,
		Store:     store,
		Publisher: fakePublisher{err: errors.New("nats down")},
	})

	res, err := p.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Volumes.Anterior)
	assert.Equal(t, 1, res.Volumes.Posterior)
	assert.Equal(t, 3, res.Volumes.Total)
	require.NotNil(t, res.Physical)
	assert.Equal(t, 3.0, res.Physical.Total)
	assert.Equal(t, volume.Shape{size, 8, 8}, res.VoxelsPerAxis)
	assert.Equal(t, "PAT-001", res.Header.PatientID)

	require.Equal(t, []string{res.ReportPath}, sender.sent)
	ds, err := dicom.ParseFile(res.ReportPath, nil)
	require.NoError(t, err)
	e, err := ds.FindElementByTag(tag.SOPInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Report.SOPInstanceUID}, e.Value.GetValue())

	require.Len(t, store.created, 1)
	assert.Equal(t, res.ReportID, store.created[0].ID)
	assert.Equal(t, 3, store.created[0].TotalVoxels)
	assert.Equal(t, conf.Model.Name, store.created[0].ModelName)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "study should be removed after delivery")
}

func TestRunKeepsStudy(t *testing.T) {
	conf := testConfig(t)
	conf.Report.KeepStudies = true
	dir := writeStudy(t, conf.DirectoryPath)

	_, err := New(conf, Deps{Agent: cornerAgent{patch: 8}, Sender: &fakeSender{}}).Run(context.Background(), dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestRunStageErrors(t *testing.T) {
	conf := testConfig(t)
	dir := writeStudy(t, conf.DirectoryPath)

	refused := errors.New("association rejected")
	_, err := New(conf, Deps{Agent: cornerAgent{patch: 8}, Sender: &fakeSender{err: refused}}).Run(context.Background(), dir)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePush, se.Stage)
	assert.ErrorIs(t, err, refused)
	assert.DirExists(t, dir, "a study whose report was not delivered is kept")

	conf.SeriesDescription = "T2"
	_, err = New(conf, Deps{Agent: cornerAgent{patch: 8}, Sender: &fakeSender{}}).Run(context.Background(), dir)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageSelect, se.Stage)
	assert.ErrorIs(t, err, dicomio.ErrNoSeries)
}

func TestRunLocked(t *testing.T) {
	conf := testConfig(t)
	dir := writeStudy(t, conf.DirectoryPath)

	locker := lock.NewLocal()
	unlock, err := locker.Lock(context.Background(), filepath.Base(dir))
	require.NoError(t, err)
	defer unlock()

	_, err = New(conf, Deps{Agent: cornerAgent{patch: 8}, Sender: &fakeSender{}, Locker: locker}).Run(context.Background(), dir)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageLock, se.Stage)
	assert.ErrorIs(t, err, lock.ErrLocked)
}
