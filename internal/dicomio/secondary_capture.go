package dicomio

import (
	"image"
	"io"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ikh/hippovolume/internal/models"
)

const (
	SecondaryCaptureSOPClassUID = "1.2.840.10008.5.1.4.1.1.7"
	ExplicitVRLittleEndianUID   = "1.2.840.10008.1.2.1"

	// ReportSeriesDescription labels the report series in the viewer.
	ReportSeriesDescription = "HippoVolume.AI"
)

// NewUID returns a UUID-derived UID under the 2.25 root.
func NewUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// SecondaryCapture describes one report instance about to be written.
type SecondaryCapture struct {
	Header *models.SeriesHeader
	Image  image.Image
	// Now stamps the study and series date/time.
	Now time.Time

	SeriesInstanceUID string
	SOPInstanceUID    string
}

// NewSecondaryCapture prepares a report instance with fresh series and SOP
// instance UIDs; the report is a new series of one image.
func NewSecondaryCapture(header *models.SeriesHeader, img image.Image, now time.Time) *SecondaryCapture {
	return &SecondaryCapture{
		Header:            header,
		Image:             img,
		Now:               now,
		SeriesInstanceUID: NewUID(),
		SOPInstanceUID:    NewUID(),
	}
}

// Write encodes the report as an Explicit VR Little Endian Secondary Capture
// with 8-bit interleaved RGB pixels and burned-in annotation.
func (sc *SecondaryCapture) Write(w io.Writer) error {
	if sc.Header == nil || sc.Image == nil {
		return errors.New("dicomio: secondary capture needs a header and an image")
	}

	bounds := sc.Image.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	pixels := make([][]int, 0, rows*cols)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := sc.Image.At(x, y).RGBA()
			pixels = append(pixels, []int{int(r >> 8), int(g >> 8), int(b >> 8)})
		}
	}

	date := sc.Now.Format("20060102")
	clock := sc.Now.Format("150405")
	h := sc.Header

	elements := []*dicom.Element{
		mustElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		mustElement(tag.MediaStorageSOPClassUID, []string{SecondaryCaptureSOPClassUID}),
		mustElement(tag.MediaStorageSOPInstanceUID, []string{sc.SOPInstanceUID}),
		mustElement(tag.TransferSyntaxUID, []string{ExplicitVRLittleEndianUID}),

		mustElement(tag.ImageType, []string{"DERIVED", "PRIMARY", "AXIAL"}),
		mustElement(tag.SOPClassUID, []string{SecondaryCaptureSOPClassUID}),
		mustElement(tag.SOPInstanceUID, []string{sc.SOPInstanceUID}),
		mustElement(tag.StudyDate, []string{date}),
		mustElement(tag.SeriesDate, []string{date}),
		mustElement(tag.StudyTime, []string{clock}),
		mustElement(tag.SeriesTime, []string{clock}),
		mustElement(tag.AccessionNumber, []string{h.AccessionNumber}),
		mustElement(tag.Modality, []string{"OT"}),
		mustElement(tag.ConversionType, []string{"WSD"}),
		mustElement(tag.StudyDescription, []string{h.StudyDescription}),
		mustElement(tag.SeriesDescription, []string{ReportSeriesDescription}),
		mustElement(tag.PatientName, []string{h.PatientName}),
		mustElement(tag.PatientID, []string{h.PatientID}),
		mustElement(tag.PatientBirthDate, []string{h.PatientBirthDate}),
		mustElement(tag.PatientSex, []string{h.PatientSex}),
		mustElement(tag.StudyInstanceUID, []string{h.StudyInstanceUID}),
		mustElement(tag.SeriesInstanceUID, []string{sc.SeriesInstanceUID}),
		mustElement(tag.StudyID, []string{h.StudyID}),
		mustElement(tag.SeriesNumber, []string{"901"}),
		mustElement(tag.InstanceNumber, []string{"1"}),
		mustElement(tag.ImagesInAcquisition, []string{"1"}),
		mustElement(tag.SamplesPerPixel, []int{3}),
		mustElement(tag.PhotometricInterpretation, []string{"RGB"}),
		mustElement(tag.PlanarConfiguration, []int{0}),
		mustElement(tag.Rows, []int{rows}),
		mustElement(tag.Columns, []int{cols}),
		mustElement(tag.BitsAllocated, []int{8}),
		mustElement(tag.BitsStored, []int{8}),
		mustElement(tag.HighBit, []int{7}),
		mustElement(tag.PixelRepresentation, []int{0}),
		// left empty so that viewers fall back to automatic windowing
		mustElement(tag.WindowCenter, []string{}),
		mustElement(tag.WindowWidth, []string{}),
		mustElement(tag.BurnedInAnnotation, []string{"YES"}),
		mustElement(tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{
				NativeData: frame.NativeFrame{
					Data:          pixels,
					Rows:          rows,
					Cols:          cols,
					BitsPerSample: 8,
				},
			}},
		}),
	}

	sort.Slice(elements, func(i, j int) bool {
		a, b := elements[i].Tag, elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	if err := dicom.Write(w, dicom.Dataset{Elements: elements}); err != nil {
		return errors.Wrap(err, "failed to encode secondary capture")
	}
	return nil
}
