package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// stripTarget is the approximate uncompressed size of one strip.
const stripTarget = 16 << 10

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) entry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	return entry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: data}
}

func longEntry(tag uint16, vals ...uint32) entry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	return entry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: data}
}

func doubleEntry(tag uint16, vals ...float64) entry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return entry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: data}
}

func asciiEntry(tag uint16, s string) entry {
	data := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

// Encode writes r as a little-endian GeoTIFF with float32 samples. Bands are
// stored as separate planes. Profile.Compress "deflate" enables deflate with the
// floating point predictor.
func Encode(w io.Writer, r *GeoRaster) error {
	if err := r.Validate(); err != nil {
		return err
	}
	p := r.Profile
	order := binary.LittleEndian
	deflate := strings.EqualFold(p.Compress, "deflate")

	rowBytes := p.Width * 4
	rowsPerStrip := max(1, min(p.Height, stripTarget/rowBytes))
	stripsPerBand := ceilDiv(p.Height, rowsPerStrip)
	n := p.Width * p.Height

	strips := make([][]byte, 0, stripsPerBand*p.Count)
	for b := 0; b < p.Count; b++ {
		band := r.Data[b*n : (b+1)*n]
		for s := 0; s < stripsPerBand; s++ {
			row0 := s * rowsPerStrip
			rows := min(rowsPerStrip, p.Height-row0)
			raw := make([]byte, rows*rowBytes)
			for i, v := range band[row0*p.Width : (row0+rows)*p.Width] {
				order.PutUint32(raw[i*4:], math.Float32bits(v))
			}
			if deflate {
				applyFloatingPoint(raw, order, rowBytes, 1, 4)
				var err error
				if raw, err = deflateBytes(raw); err != nil {
					return fmt.Errorf("failed to compress strip: %w", err)
				}
			}
			strips = append(strips, raw)
		}
	}

	bits := make([]uint16, p.Count)
	formats := make([]uint16, p.Count)
	for i := range bits {
		bits[i], formats[i] = 32, sampleFormatFloat
	}
	counts := make([]uint32, len(strips))
	for i, s := range strips {
		counts[i] = uint32(len(s))
	}

	compression, predictor := uint16(compressionNone), uint16(predictorNone)
	if deflate {
		compression, predictor = compressionDeflate, predictorFloatingPoint
	}
	planar := uint16(planarChunky)
	if p.Count > 1 {
		planar = planarSeparate
	}

	entries := []entry{
		longEntry(tagImageWidth, uint32(p.Width)),
		longEntry(tagImageLength, uint32(p.Height)),
		shortEntry(tagBitsPerSample, bits...),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometric, 1),
		longEntry(tagStripOffsets, make([]uint32, len(strips))...),
		shortEntry(tagSamplesPerPixel, uint16(p.Count)),
		longEntry(tagRowsPerStrip, uint32(rowsPerStrip)),
		longEntry(tagStripByteCounts, counts...),
		shortEntry(tagPlanarConfiguration, planar),
		shortEntry(tagPredictor, predictor),
		shortEntry(tagSampleFormat, formats...),
	}

	t := p.Transform
	if t.IsRectilinear() {
		entries = append(entries,
			doubleEntry(tagModelPixelScale, t.A, -t.E, 0),
			doubleEntry(tagModelTiepoint, 0, 0, 0, t.C, t.F, 0),
		)
	} else {
		entries = append(entries, doubleEntry(tagModelTransformation,
			t.A, t.B, 0, t.C,
			t.D, t.E, 0, t.F,
			0, 0, 0, 0,
			0, 0, 0, 1,
		))
	}
	if keys, err := geoKeys(p.CRS); err != nil {
		return err
	} else if keys != nil {
		entries = append(entries, shortEntry(tagGeoKeyDirectory, keys...))
	}
	if p.NoData != nil {
		entries = append(entries, asciiEntry(tagGDALNoData, formatNoData(*p.NoData)))
	}
	return writeClassic(w, entries, tagStripOffsets, strips)
}

// writeClassic lays out a little-endian classic TIFF: header, IFD, out-of-line
// tag values, then the data chunks whose offsets are stored under offsetsTag.
func writeClassic(w io.Writer, entries []entry, offsetsTag uint16, chunks [][]byte) error {
	order := binary.LittleEndian
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	ifdSize := 2 + 12*len(entries) + 4
	offset := uint32(8 + ifdSize)
	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = offset
			offset += uint32(len(e.data) + len(e.data)%2)
		}
	}
	for i, e := range entries {
		if e.tag != offsetsTag {
			continue
		}
		if int(e.count) != len(chunks) {
			return fmt.Errorf("offsets tag holds %d values for %d chunks", e.count, len(chunks))
		}
		chunkOffset := offset
		for c, chunk := range chunks {
			order.PutUint32(entries[i].data[c*4:], chunkOffset)
			chunkOffset += uint32(len(chunk))
		}
	}

	bw := bufio.NewWriter(w)
	hdr := make([]byte, 8)
	copy(hdr, "II")
	order.PutUint16(hdr[2:], 42)
	order.PutUint32(hdr[4:], 8)
	bw.Write(hdr)

	ifd := make([]byte, ifdSize)
	order.PutUint16(ifd, uint16(len(entries)))
	for i, e := range entries {
		b := ifd[2+i*12:]
		order.PutUint16(b[0:], e.tag)
		order.PutUint16(b[2:], e.typ)
		order.PutUint32(b[4:], e.count)
		if len(e.data) > 4 {
			order.PutUint32(b[8:], valueOffsets[i])
		} else {
			copy(b[8:12], e.data)
		}
	}
	bw.Write(ifd)

	for _, e := range entries {
		if len(e.data) > 4 {
			bw.Write(e.data)
			if len(e.data)%2 == 1 {
				bw.WriteByte(0)
			}
		}
	}
	for _, c := range chunks {
		bw.Write(c)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write GeoTIFF: %w", err)
	}
	return nil
}

// EncodeBytes encodes r into memory.
func EncodeBytes(r *GeoRaster) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deflateBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func geoKeys(c CRS) ([]uint16, error) {
	if c.EPSG == 0 {
		return nil, nil
	}
	if c.EPSG < 0 || c.EPSG >= userDefined {
		return nil, fmt.Errorf("cannot encode %s as a GeoKey", c)
	}
	modelType, crsKey := uint16(modelTypeProjected), uint16(geoKeyProjectedType)
	if c.IsGeographic() {
		modelType, crsKey = modelTypeGeographic, geoKeyGeographicType
	}
	return []uint16{
		1, 1, 0, 3,
		geoKeyModelType, 0, 1, modelType,
		geoKeyRasterType, 0, 1, 1,
		crsKey, 0, 1, uint16(c.EPSG),
	}, nil
}

func formatNoData(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
