package dicomio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"doseaccum/internal/logging"
	"doseaccum/internal/services"
	"doseaccum/internal/volume"
)

const structureFileSuffix = ".dcm"

// Loader decodes session directories into datasets and volumes.
type Loader struct {
	reader Reader
	logger *slog.Logger
}

// NewLoader returns a loader backed by reader. A nil reader decodes files from
// disk; a nil logger discards diagnostics.
func NewLoader(reader Reader, logger *slog.Logger) *Loader {
	if reader == nil {
		reader = FileReader{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Loader{reader: reader, logger: logger}
}

// Session holds every decodable dataset of one session directory, in lexical
// file-name order.
type Session struct {
	Dir      string
	datasets []*Dataset
}

// LoadSession decodes every regular file in dir. Files that fail to decode
// (plans, notes, unsupported encodings) are skipped.
func (l *Loader) LoadSession(ctx context.Context, dir string) (*Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrMissingInput, "", "load session", "directory "+dir+" does not exist", err)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	session := &Session{Dir: dir}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		ds, err := l.reader.Read(path)
		if err != nil {
			l.logger.Debug("skipping undecodable file",
				logging.String("path", path),
				logging.Error(err),
			)
			continue
		}
		if ds.Path == "" {
			ds.Path = path
		}
		session.datasets = append(session.datasets, ds)
	}
	l.logger.Debug("session decoded",
		logging.String("dir", dir),
		logging.Int("files", len(names)),
		logging.Int("datasets", len(session.datasets)),
	)
	return session, nil
}

// LoadImageSeries returns the CT/MR slices of dir in lexical file-name order.
func (l *Loader) LoadImageSeries(ctx context.Context, dir string) ([]*Dataset, error) {
	session, err := l.LoadSession(ctx, dir)
	if err != nil {
		return nil, err
	}
	return session.ImageSeries()
}

// BuildScan stacks the image series of dir into a scan volume.
func (l *Loader) BuildScan(ctx context.Context, dir string) (*volume.Volume, error) {
	session, err := l.LoadSession(ctx, dir)
	if err != nil {
		return nil, err
	}
	return session.Scan()
}

// BuildDose extracts the scaled dose grid of the single RT Dose dataset in dir.
func (l *Loader) BuildDose(ctx context.Context, dir string) (*volume.Volume, error) {
	session, err := l.LoadSession(ctx, dir)
	if err != nil {
		return nil, err
	}
	return session.Dose()
}

// BuildStruct rasterizes the ROI called label onto the scan grid of dir.
func (l *Loader) BuildStruct(ctx context.Context, dir, label string) (*volume.Volume, error) {
	session, err := l.LoadSession(ctx, dir)
	if err != nil {
		return nil, err
	}
	return session.Struct(label)
}

func (s *Session) filter(keep func(*Dataset) bool) []*Dataset {
	var out []*Dataset
	for _, ds := range s.datasets {
		if keep(ds) {
			out = append(out, ds)
		}
	}
	return out
}

// ImageSeries returns the CT and MR image datasets. Other SOP classes are
// excluded silently; an empty series is a missing-input error.
func (s *Session) ImageSeries() ([]*Dataset, error) {
	series := s.filter(func(ds *Dataset) bool { return isImageStorage(ds.SOPClassUID) })
	if len(series) == 0 {
		return nil, services.Wrap(services.ErrMissingInput, "", "load series", "no CT or MR image slices in "+s.Dir, nil)
	}
	return series, nil
}

// Scan stacks slice pixel grids along a leading depth axis.
func (s *Session) Scan() (*volume.Volume, error) {
	series, err := s.ImageSeries()
	if err != nil {
		return nil, err
	}
	rows, cols := series[0].Rows, series[0].Columns
	data := make([]float64, 0, len(series)*rows*cols)
	for _, ds := range series {
		if len(ds.Frames) == 0 {
			return nil, services.Wrap(services.ErrShapeOrValue, "", "build scan",
				fmt.Sprintf("slice %s has no pixel data", filepath.Base(ds.Path)), nil)
		}
		grid := ds.Frames[0]
		if ds.Rows != rows || ds.Columns != cols || len(grid) != rows*cols {
			return nil, services.Wrap(services.ErrShapeOrValue, "", "build scan",
				fmt.Sprintf("slice %s is %dx%d, series is %dx%d", filepath.Base(ds.Path), ds.Rows, ds.Columns, rows, cols), nil)
		}
		data = append(data, grid...)
	}
	return volume.NewScan(volume.Shape{Depth: len(series), Height: rows, Width: cols}, data)
}

// Dose returns the single RT Dose grid multiplied by its DoseGridScaling.
func (s *Session) Dose() (*volume.Volume, error) {
	doses := s.filter(func(ds *Dataset) bool { return ds.SOPClassUID == SOPClassRTDose })
	switch len(doses) {
	case 0:
		return nil, services.Wrap(services.ErrMissingInput, "", "build dose", "no RT Dose dataset in "+s.Dir, nil)
	case 1:
	default:
		names := make([]string, 0, len(doses))
		for _, ds := range doses {
			names = append(names, filepath.Base(ds.Path))
		}
		return nil, services.Wrap(services.ErrAmbiguousInput, "", "build dose",
			fmt.Sprintf("%d RT Dose datasets in %s (%s)", len(doses), s.Dir, strings.Join(names, ", ")), nil)
	}

	ds := doses[0]
	name := filepath.Base(ds.Path)
	if !ds.HasDoseScaling {
		return nil, services.Wrap(services.ErrMissingInput, "", "build dose", name+" has no DoseGridScaling", nil)
	}
	if len(ds.Frames) == 0 {
		return nil, services.Wrap(services.ErrShapeOrValue, "", "build dose", name+" has no pixel data", nil)
	}
	plane := ds.Rows * ds.Columns
	raw := make([]float64, 0, len(ds.Frames)*plane)
	for i, frame := range ds.Frames {
		if len(frame) != plane {
			return nil, services.Wrap(services.ErrShapeOrValue, "", "build dose",
				fmt.Sprintf("%s frame %d has %d voxels, want %d", name, i, len(frame), plane), nil)
		}
		raw = append(raw, frame...)
	}
	return volume.NewDose(volume.Shape{Depth: len(ds.Frames), Height: ds.Rows, Width: ds.Columns}, raw, ds.DoseGridScaling)
}

// Struct rasterizes the ROI named label (exact match) from the session's RT
// Structure Set onto the scan grid.
func (s *Session) Struct(label string) (*volume.Volume, error) {
	series, err := s.ImageSeries()
	if err != nil {
		return nil, err
	}
	geom, err := newGeometry(series)
	if err != nil {
		return nil, err
	}

	var (
		found   *ROI
		sources []string
	)
	for _, ds := range s.filter(isStructureFile) {
		for i := range ds.ROIs {
			if ds.ROIs[i].Name != label {
				continue
			}
			if found == nil {
				found = &ds.ROIs[i]
			}
			sources = append(sources, filepath.Base(ds.Path))
			break
		}
	}
	switch {
	case found == nil:
		return nil, services.Wrap(services.ErrMissingInput, "", "build struct",
			fmt.Sprintf("no ROI %q in the structure sets of %s", label, s.Dir), nil)
	case len(sources) > 1:
		return nil, services.Wrap(services.ErrAmbiguousInput, "", "build struct",
			fmt.Sprintf("ROI %q is defined in %d structure sets in %s (%s)", label, len(sources), s.Dir, strings.Join(sources, ", ")), nil)
	}

	mask := geom.rasterize(found.Contours)
	shape := volume.Shape{Depth: len(series), Height: geom.rows, Width: geom.cols}
	v, err := volume.NewStruct(shape, mask, label)
	if err != nil {
		return nil, err
	}
	if !v.Any() {
		return nil, services.Wrap(services.ErrMissingInput, "", "build struct",
			fmt.Sprintf("ROI %q has no delineated voxels in %s", label, s.Dir), nil)
	}
	return v, nil
}

func isStructureFile(ds *Dataset) bool {
	return ds.SOPClassUID == SOPClassRTStructure &&
		strings.HasSuffix(strings.ToLower(ds.Path), structureFileSuffix)
}
