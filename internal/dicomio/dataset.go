package dicomio

// SOP Class UIDs recognized by the loader.
const (
	SOPClassCTImage     = "1.2.840.10008.5.1.4.1.1.2"
	SOPClassMRImage     = "1.2.840.10008.5.1.4.1.1.4"
	SOPClassRTDose      = "1.2.840.10008.5.1.4.1.1.481.2"
	SOPClassRTStructure = "1.2.840.10008.5.1.4.1.1.481.3"
)

// Dataset is the decoded subset of one DICOM object that volume
// reconstruction needs.
type Dataset struct {
	Path        string
	SOPClassUID string
	Rows        int
	Columns     int
	// Frames holds one row-major Rows×Columns grid per frame.
	Frames [][]float64
	// ImagePosition is the patient-space (x, y, z) of the first voxel.
	ImagePosition []float64
	// PixelSpacing is (row spacing, column spacing) in millimetres.
	PixelSpacing    []float64
	DoseGridScaling float64
	HasDoseScaling  bool
	ROIs            []ROI
}

// ROI is one named region of an RT Structure Set.
type ROI struct {
	Number   int
	Name     string
	Contours []Contour
}

// Contour is a closed planar polygon in patient coordinates.
type Contour struct {
	Points [][3]float64
}

// Reader decodes a single file.
type Reader interface {
	Read(path string) (*Dataset, error)
}

func isImageStorage(uid string) bool {
	return uid == SOPClassCTImage || uid == SOPClassMRImage
}
