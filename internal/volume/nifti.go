package volume

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"doseaccum/internal/fileutil"
	"doseaccum/internal/services"
)

const (
	headerSize = 348
	dataOffset = 352

	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtUint16  = 512

	unitsMillimeter = 2
	unitsSecond     = 8
)

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// header mirrors the 348-byte NIfTI-1 header field for field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// WriteFile atomically writes v to path as gzip-compressed NIfTI-1. Struct
// masks are stored as uint8, everything else as float32.
func WriteFile(path string, v *Volume) error {
	err := fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if err := Encode(zw, v); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Encode writes an uncompressed NIfTI-1 stream.
func Encode(w io.Writer, v *Volume) error {
	for _, n := range []int{v.shape.Depth, v.shape.Height, v.shape.Width} {
		if n > math.MaxInt16 {
			return fmt.Errorf("extent %d exceeds NIfTI-1 limit", n)
		}
	}
	hdr := newHeader(v)
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Empty extension block.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	var buf [4]byte
	switch hdr.Datatype {
	case dtUint8:
		for _, x := range v.data {
			if err := bw.WriteByte(byte(x)); err != nil {
				return err
			}
		}
	default:
		for _, x := range v.data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(x)))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func newHeader(v *Volume) header {
	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Dim:       [8]int16{3, int16(v.shape.Width), int16(v.shape.Height), int16(v.shape.Depth), 1, 1, 1, 1},
		Pixdim:    [8]float32{1, 1, 1, 1, 0, 0, 0, 0},
		VoxOffset: dataOffset,
		XYZTUnits: unitsMillimeter | unitsSecond,
		SformCode: 1,
		Magic:     singleFileMagic,
	}
	if v.kind == KindStruct {
		hdr.Datatype, hdr.Bitpix = dtUint8, 8
	} else {
		hdr.Datatype, hdr.Bitpix = dtFloat32, 32
	}
	for col := range 4 {
		hdr.SrowX[col] = float32(v.affine[0][col])
		hdr.SrowY[col] = float32(v.affine[1][col])
		hdr.SrowZ[col] = float32(v.affine[2][col])
	}
	copy(hdr.Descrip[:], "doseaccum "+v.kind.String())
	return hdr
}

// ReadFile loads a NIfTI-1 file, gzip-compressed or not. The result is a scan
// volume; callers retag it with AsDose or Threshold/AsStruct as needed.
func ReadFile(path string) (*Volume, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrMissingInput, "", "read volume", path, err)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, services.Wrap(services.ErrShapeOrValue, "", "decode volume", path, err)
	}
	return v, nil
}

// Decode parses a NIfTI-1 image held in memory.
func Decode(raw []byte) (*Volume, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("truncated header: %d bytes", len(raw))
	}

	order, err := detectByteOrder(raw)
	if err != nil {
		return nil, err
	}
	var hdr header
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Magic != singleFileMagic {
		return nil, fmt.Errorf("unsupported magic %q", bytes.TrimRight(hdr.Magic[:], "\x00"))
	}

	shape, err := shapeFromDims(hdr.Dim)
	if err != nil {
		return nil, err
	}
	offset := int(hdr.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	width, err := bytesPerVoxel(hdr.Datatype)
	if err != nil {
		return nil, err
	}
	need := offset + shape.Len()*width
	if len(raw) < need {
		return nil, fmt.Errorf("truncated voxel data: have %d bytes, need %d", len(raw), need)
	}

	data := decodeVoxels(raw[offset:need], hdr.Datatype, order, shape.Len())
	if hdr.SclSlope != 0 && !(hdr.SclSlope == 1 && hdr.SclInter == 0) {
		slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	affine := Identity()
	if hdr.SformCode > 0 {
		for col := range 4 {
			affine[0][col] = float64(hdr.SrowX[col])
			affine[1][col] = float64(hdr.SrowY[col])
			affine[2][col] = float64(hdr.SrowZ[col])
		}
	}
	return &Volume{kind: KindScan, shape: shape, data: data, affine: affine}, nil
}

func detectByteOrder(raw []byte) (binary.ByteOrder, error) {
	if int32(binary.LittleEndian.Uint32(raw)) == headerSize {
		return binary.LittleEndian, nil
	}
	if int32(binary.BigEndian.Uint32(raw)) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, errors.New("not a NIfTI-1 header")
}

func shapeFromDims(dim [8]int16) (Shape, error) {
	rank := int(dim[0])
	if rank < 3 || rank > 7 {
		return Shape{}, fmt.Errorf("unsupported rank %d", rank)
	}
	for i := 4; i <= rank; i++ {
		if dim[i] > 1 {
			return Shape{}, fmt.Errorf("unsupported extent %d along axis %d", dim[i], i)
		}
	}
	shape := Shape{Depth: int(dim[3]), Height: int(dim[2]), Width: int(dim[1])}
	if !shape.valid() {
		return Shape{}, fmt.Errorf("invalid dimensions %v", dim[1:4])
	}
	return shape, nil
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case dtUint8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtFloat32:
		return 4, nil
	case dtFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported datatype %d", datatype)
	}
}

func decodeVoxels(buf []byte, datatype int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch datatype {
	case dtUint8:
		for i := range out {
			out[i] = float64(buf[i])
		}
	case dtInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		}
	case dtUint16:
		for i := range out {
			out[i] = float64(order.Uint16(buf[2*i:]))
		}
	case dtInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		}
	case dtFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		}
	case dtFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
	return out
}
