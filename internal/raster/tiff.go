package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// ErrNotTIFF is returned when the input does not start with a TIFF header.
var ErrNotTIFF = errors.New("not a TIFF file")

// ErrUnsupported is returned for TIFF layouts the codec does not handle.
var ErrUnsupported = errors.New("unsupported TIFF layout")

// TIFF tags.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeLong8     = 16
	typeSLong8    = 17
	typeIFD8      = 18
)

// Compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3
	planarChunky           = 1
	planarSeparate         = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
)

// GeoKeys.
const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072
	rasterPixelIsPoint   = 2
	modelTypeProjected   = 1
	modelTypeGeographic  = 2
	userDefined          = 32767
)

func typeSize(t uint16) int {
	switch t {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case typeRational, typeSRational, typeDouble, typeLong8, typeSLong8, typeIFD8:
		return 8
	}
	return 0
}

// field is a decoded IFD entry.
type field struct {
	tag   uint16
	typ   uint16
	count uint64
	raw   []byte
}

type header struct {
	order     binary.ByteOrder
	bigTIFF   bool
	ifdOffset uint64
}

func readHeader(r io.ReaderAt) (header, error) {
	buf := make([]byte, 16)
	n, err := r.ReadAt(buf, 0)
	if n < 8 {
		if err == nil || err == io.EOF {
			err = ErrNotTIFF
		}
		return header{}, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	var h header
	switch string(buf[:2]) {
	case "II":
		h.order = binary.LittleEndian
	case "MM":
		h.order = binary.BigEndian
	default:
		return header{}, ErrNotTIFF
	}

	switch h.order.Uint16(buf[2:4]) {
	case 42:
		h.ifdOffset = uint64(h.order.Uint32(buf[4:8]))
	case 43:
		if n < 16 {
			return header{}, fmt.Errorf("%w: truncated BigTIFF header", ErrNotTIFF)
		}
		if h.order.Uint16(buf[4:6]) != 8 {
			return header{}, fmt.Errorf("%w: BigTIFF offset size must be 8", ErrUnsupported)
		}
		h.bigTIFF = true
		h.ifdOffset = h.order.Uint64(buf[8:16])
	default:
		return header{}, ErrNotTIFF
	}
	return h, nil
}

// readIFD decodes the first image file directory.
func readIFD(r io.ReaderAt, h header) (map[uint16]*field, error) {
	countSize, entrySize, inline := 2, 12, 4
	if h.bigTIFF {
		countSize, entrySize, inline = 8, 20, 8
	}

	cbuf := make([]byte, countSize)
	if _, err := r.ReadAt(cbuf, int64(h.ifdOffset)); err != nil {
		return nil, fmt.Errorf("failed to read IFD entry count: %w", err)
	}
	var count uint64
	if h.bigTIFF {
		count = h.order.Uint64(cbuf)
	} else {
		count = uint64(h.order.Uint16(cbuf))
	}
	if count == 0 || count > 4096 {
		return nil, fmt.Errorf("%w: IFD with %d entries", ErrUnsupported, count)
	}

	entries := make([]byte, int(count)*entrySize)
	if _, err := r.ReadAt(entries, int64(h.ifdOffset)+int64(countSize)); err != nil {
		return nil, fmt.Errorf("failed to read IFD entries: %w", err)
	}

	fields := make(map[uint16]*field, count)
	for i := 0; i < int(count); i++ {
		e := entries[i*entrySize : (i+1)*entrySize]
		f := &field{tag: h.order.Uint16(e[0:2]), typ: h.order.Uint16(e[2:4])}
		var value []byte
		if h.bigTIFF {
			f.count = h.order.Uint64(e[4:12])
			value = e[12:20]
		} else {
			f.count = uint64(h.order.Uint32(e[4:8]))
			value = e[8:12]
		}

		size := typeSize(f.typ)
		if size == 0 {
			// Unknown types are skipped.
			continue
		}
		total := uint64(size) * f.count
		if total > 1<<28 {
			return nil, fmt.Errorf("%w: tag %d is too large", ErrUnsupported, f.tag)
		}
		if total <= uint64(inline) {
			f.raw = append([]byte(nil), value[:total]...)
		} else {
			var off uint64
			if h.bigTIFF {
				off = h.order.Uint64(value)
			} else {
				off = uint64(h.order.Uint32(value))
			}
			f.raw = make([]byte, total)
			if _, err := r.ReadAt(f.raw, int64(off)); err != nil {
				return nil, fmt.Errorf("failed to read tag %d: %w", f.tag, err)
			}
		}
		fields[f.tag] = f
	}
	return fields, nil
}

// uints decodes integer-typed field values.
func (f *field) uints(order binary.ByteOrder) ([]uint64, error) {
	out := make([]uint64, f.count)
	for i := range out {
		switch f.typ {
		case typeByte, typeUndefined:
			out[i] = uint64(f.raw[i])
		case typeShort:
			out[i] = uint64(order.Uint16(f.raw[i*2:]))
		case typeLong:
			out[i] = uint64(order.Uint32(f.raw[i*4:]))
		case typeLong8, typeIFD8:
			out[i] = order.Uint64(f.raw[i*8:])
		default:
			return nil, fmt.Errorf("tag %d: type %d is not an unsigned integer", f.tag, f.typ)
		}
	}
	return out, nil
}

// floats decodes numeric field values as float64.
func (f *field) floats(order binary.ByteOrder) ([]float64, error) {
	switch f.typ {
	case typeDouble:
		out := make([]float64, f.count)
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(f.raw[i*8:]))
		}
		return out, nil
	case typeFloat:
		out := make([]float64, f.count)
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(f.raw[i*4:])))
		}
		return out, nil
	}
	u, err := f.uints(order)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(u))
	for i, v := range u {
		out[i] = float64(v)
	}
	return out, nil
}

func (f *field) ascii() string {
	return strings.TrimRight(string(f.raw), "\x00 ")
}

func dtypeFor(bits, format int) (DType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return "", fmt.Errorf("%w: %d-bit samples with format %d", ErrUnsupported, bits, format)
}
