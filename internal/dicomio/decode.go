package dicomio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	tagSOPClassUID             = tag.Tag{Group: 0x0008, Element: 0x0016}
	tagImagePositionPatient    = tag.Tag{Group: 0x0020, Element: 0x0032}
	tagRows                    = tag.Tag{Group: 0x0028, Element: 0x0010}
	tagColumns                 = tag.Tag{Group: 0x0028, Element: 0x0011}
	tagPixelSpacing            = tag.Tag{Group: 0x0028, Element: 0x0030}
	tagBitsAllocated           = tag.Tag{Group: 0x0028, Element: 0x0100}
	tagBitsStored              = tag.Tag{Group: 0x0028, Element: 0x0101}
	tagPixelRepresentation     = tag.Tag{Group: 0x0028, Element: 0x0103}
	tagDoseGridScaling         = tag.Tag{Group: 0x3004, Element: 0x000E}
	tagStructureSetROISequence = tag.Tag{Group: 0x3006, Element: 0x0020}
	tagROINumber               = tag.Tag{Group: 0x3006, Element: 0x0022}
	tagROIName                 = tag.Tag{Group: 0x3006, Element: 0x0026}
	tagROIContourSequence      = tag.Tag{Group: 0x3006, Element: 0x0039}
	tagContourSequence         = tag.Tag{Group: 0x3006, Element: 0x0040}
	tagContourData             = tag.Tag{Group: 0x3006, Element: 0x0050}
	tagReferencedROINumber     = tag.Tag{Group: 0x3006, Element: 0x0084}
	tagPixelData               = tag.Tag{Group: 0x7FE0, Element: 0x0010}
)

var errEncapsulated = errors.New("encapsulated (compressed) pixel data is not supported")

// FileReader decodes DICOM Part 10 files from disk.
type FileReader struct{}

// Read parses path and extracts the attributes used for reconstruction.
func (FileReader) Read(path string) (*Dataset, error) {
	parsed, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}
	return convert(path, parsed.Elements)
}

func convert(path string, elems []*dicom.Element) (*Dataset, error) {
	ds := &Dataset{Path: path}
	ds.SOPClassUID = firstString(find(elems, tagSOPClassUID))
	ds.Rows = firstInt(find(elems, tagRows))
	ds.Columns = firstInt(find(elems, tagColumns))
	ds.ImagePosition = floats(find(elems, tagImagePositionPatient))
	ds.PixelSpacing = floats(find(elems, tagPixelSpacing))
	if scaling := floats(find(elems, tagDoseGridScaling)); len(scaling) > 0 {
		ds.DoseGridScaling = scaling[0]
		ds.HasDoseScaling = true
	}

	if elem := find(elems, tagPixelData); elem != nil {
		frames, err := pixelFrames(elem, readSampleFormat(elems))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ds.Frames = frames
	}

	if ds.SOPClassUID == SOPClassRTStructure {
		ds.ROIs = readROIs(elems)
	}
	return ds, nil
}

// sampleFormat describes how stored pixel samples are interpreted. The
// parser hands back every native sample as an unsigned integer, so two's
// complement values must be sign-extended from the stored bit width.
type sampleFormat struct {
	signed bool
	bits   int
}

func readSampleFormat(elems []*dicom.Element) sampleFormat {
	bits := firstInt(find(elems, tagBitsStored))
	if bits <= 0 {
		bits = firstInt(find(elems, tagBitsAllocated))
	}
	if bits <= 0 || bits > 32 {
		bits = 16
	}
	return sampleFormat{
		signed: firstInt(find(elems, tagPixelRepresentation)) == 1,
		bits:   bits,
	}
}

func (f sampleFormat) value(raw int) float64 {
	if !f.signed {
		return float64(raw)
	}
	v := int64(raw) & (int64(1)<<f.bits - 1)
	if v&(int64(1)<<(f.bits-1)) != 0 {
		v -= int64(1) << f.bits
	}
	return float64(v)
}

func pixelFrames(elem *dicom.Element, format sampleFormat) ([][]float64, error) {
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data value %T", elem.Value.GetValue())
	}
	if info.IsEncapsulated {
		return nil, errEncapsulated
	}
	frames := make([][]float64, 0, len(info.Frames))
	for _, fr := range info.Frames {
		if fr.Encapsulated {
			return nil, errEncapsulated
		}
		pixels := fr.NativeData.Data
		grid := make([]float64, len(pixels))
		for i, samples := range pixels {
			if len(samples) > 0 {
				grid[i] = format.value(samples[0])
			}
		}
		frames = append(frames, grid)
	}
	return frames, nil
}

func readROIs(elems []*dicom.Element) []ROI {
	var rois []ROI
	index := make(map[int]int)
	for _, item := range sequenceItems(find(elems, tagStructureSetROISequence)) {
		number := firstInt(find(item, tagROINumber))
		index[number] = len(rois)
		rois = append(rois, ROI{
			Number: number,
			Name:   strings.TrimSpace(firstString(find(item, tagROIName))),
		})
	}
	for _, item := range sequenceItems(find(elems, tagROIContourSequence)) {
		pos, ok := index[firstInt(find(item, tagReferencedROINumber))]
		if !ok {
			continue
		}
		for _, contourItem := range sequenceItems(find(item, tagContourSequence)) {
			coords := floats(find(contourItem, tagContourData))
			if len(coords) < 3 {
				continue
			}
			points := make([][3]float64, 0, len(coords)/3)
			for i := 0; i+2 < len(coords); i += 3 {
				points = append(points, [3]float64{coords[i], coords[i+1], coords[i+2]})
			}
			rois[pos].Contours = append(rois[pos].Contours, Contour{Points: points})
		}
	}
	return rois
}

func find(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, elem := range elems {
		if elem != nil && elem.Tag == t {
			return elem
		}
	}
	return nil
}

func sequenceItems(elem *dicom.Element) [][]*dicom.Element {
	if elem == nil {
		return nil
	}
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		if children, ok := item.GetValue().([]*dicom.Element); ok {
			out = append(out, children)
		}
	}
	return out
}

func strs(elem *dicom.Element) []string {
	if elem == nil {
		return nil
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, strings.Trim(s, " \x00"))
		}
		return out
	case []int:
		out := make([]string, 0, len(v))
		for _, n := range v {
			out = append(out, strconv.Itoa(n))
		}
		return out
	case []float64:
		out := make([]string, 0, len(v))
		for _, f := range v {
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
		return out
	default:
		return nil
	}
}

func firstString(elem *dicom.Element) string {
	values := strs(elem)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func firstInt(elem *dicom.Element) int {
	n, err := strconv.Atoi(firstString(elem))
	if err != nil {
		return 0
	}
	return n
}

func floats(elem *dicom.Element) []float64 {
	values := strs(elem)
	out := make([]float64, 0, len(values))
	for _, s := range values {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}
