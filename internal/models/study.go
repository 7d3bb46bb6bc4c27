package models

import "time"

// Study is a study folder under the routing directory as seen by the watcher.
type Study struct {
	ID    string
	Dir   string
	Files map[string]*DicomFile
	// LastChange is when the watcher last saw a new or modified file.
	LastChange time.Time
	Ready      bool
}

type DicomFile struct {
	FilePath     string
	LastModified time.Time
}

// SeriesHeader is the series-level metadata of the first instance of a series,
// with pixel data left out.
type SeriesHeader struct {
	PatientID         string
	PatientName       string
	PatientBirthDate  string
	PatientSex        string
	StudyInstanceUID  string
	StudyID           string
	StudyDescription  string
	AccessionNumber   string
	SeriesInstanceUID string
	SeriesDescription string
	SOPInstanceUID    string
	Modality          string

	// PixelSpacing is the in-plane row/column spacing in mm, SliceThickness the
	// spacing between slices. Zero when the instance does not carry them.
	PixelSpacing   [2]float64
	SliceThickness float64
}
