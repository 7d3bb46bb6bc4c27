package dicomio

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var ErrMissingElement = errors.New("dicomio: element not present")

// stringsOf returns the values of t as strings. Numeric VRs are formatted.
func stringsOf(ds *dicom.Dataset, t tag.Tag) ([]string, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingElement, "tag %s", t)
	}
	switch v := e.Value.GetValue().(type) {
	case []string:
		return v, nil
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out, nil
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return out, nil
	default:
		return nil, errors.Errorf("dicomio: tag %s does not hold text", t)
	}
}

// stringOf returns the first value of t trimmed of DICOM padding, or "" when absent.
func stringOf(ds *dicom.Dataset, t tag.Tag) string {
	values, err := stringsOf(ds, t)
	if err != nil || len(values) == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimSpace(values[0]), "\x00")
}

// floatsOf parses the values of a DS/IS/FD/US element.
func floatsOf(ds *dicom.Dataset, t tag.Tag) ([]float64, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingElement, "tag %s", t)
	}
	switch v := e.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			s = strings.TrimRight(strings.TrimSpace(s), "\x00")
			if s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "dicomio: tag %s", t)
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, errors.Errorf("dicomio: tag %s is not numeric", t)
	}
}

func floatOf(ds *dicom.Dataset, t tag.Tag) (float64, error) {
	values, err := floatsOf(ds, t)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.Wrapf(ErrMissingElement, "tag %s is empty", t)
	}
	return values[0], nil
}

func mustElement(t tag.Tag, data interface{}) *dicom.Element {
	e, err := dicom.NewElement(t, data)
	if err != nil {
		// only reachable with a VR/value mismatch in this package
		panic(errors.Wrapf(err, "dicomio: building element %s", t))
	}
	return e
}
