package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// Dataset is an open GeoTIFF. Pixel data is read lazily, chunk by chunk, so only
// the strips or tiles touched by a window are fetched from the underlying reader.
type Dataset struct {
	r       io.ReaderAt
	closer  io.Closer
	order   binary.ByteOrder
	profile Profile
	layout  layout

	closeOnce sync.Once
}

type layout struct {
	bits        int
	compression int
	predictor   int
	planar      int
	chunkWidth  int
	chunkHeight int
	tiled       bool
	offsets     []uint64
	byteCounts  []uint64
}

// Decode opens a GeoTIFF from a random access reader. Only the first image
// directory (full resolution) is used.
func Decode(r io.ReaderAt) (*Dataset, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	fields, err := readIFD(r, h)
	if err != nil {
		return nil, err
	}

	d := &Dataset{r: r, order: h.order}
	if err := d.parse(fields); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dataset) uintTag(fields map[uint16]*field, tag uint16, def uint64) (uint64, error) {
	f, ok := fields[tag]
	if !ok {
		return def, nil
	}
	v, err := f.uints(d.order)
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return def, nil
	}
	return v[0], nil
}

func (d *Dataset) parse(fields map[uint16]*field) error {
	width, err := d.uintTag(fields, tagImageWidth, 0)
	if err != nil {
		return err
	}
	height, err := d.uintTag(fields, tagImageLength, 0)
	if err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: missing image dimensions", ErrUnsupported)
	}
	spp, err := d.uintTag(fields, tagSamplesPerPixel, 1)
	if err != nil {
		return err
	}
	bits, err := d.uintTag(fields, tagBitsPerSample, 1)
	if err != nil {
		return err
	}
	format, err := d.uintTag(fields, tagSampleFormat, sampleFormatUint)
	if err != nil {
		return err
	}
	dtype, err := dtypeFor(int(bits), int(format))
	if err != nil {
		return err
	}

	l := layout{bits: int(bits)}
	compression, err := d.uintTag(fields, tagCompression, compressionNone)
	if err != nil {
		return err
	}
	predictor, err := d.uintTag(fields, tagPredictor, predictorNone)
	if err != nil {
		return err
	}
	planar, err := d.uintTag(fields, tagPlanarConfiguration, planarChunky)
	if err != nil {
		return err
	}
	l.compression, l.predictor, l.planar = int(compression), int(predictor), int(planar)

	switch l.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, l.compression)
	}

	offsetsTag, countsTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	if _, ok := fields[tagTileWidth]; ok {
		l.tiled = true
		tw, err := d.uintTag(fields, tagTileWidth, 0)
		if err != nil {
			return err
		}
		th, err := d.uintTag(fields, tagTileLength, 0)
		if err != nil {
			return err
		}
		l.chunkWidth, l.chunkHeight = int(tw), int(th)
		offsetsTag, countsTag = tagTileOffsets, tagTileByteCounts
	} else {
		rps, err := d.uintTag(fields, tagRowsPerStrip, height)
		if err != nil {
			return err
		}
		l.chunkWidth, l.chunkHeight = int(width), int(min(rps, height))
	}
	if l.chunkWidth <= 0 || l.chunkHeight <= 0 {
		return fmt.Errorf("%w: invalid chunk size %dx%d", ErrUnsupported, l.chunkWidth, l.chunkHeight)
	}

	of, ok := fields[offsetsTag]
	if !ok {
		return fmt.Errorf("%w: missing data offsets", ErrUnsupported)
	}
	if l.offsets, err = of.uints(d.order); err != nil {
		return err
	}
	cf, ok := fields[countsTag]
	if !ok {
		return fmt.Errorf("%w: missing byte counts", ErrUnsupported)
	}
	if l.byteCounts, err = cf.uints(d.order); err != nil {
		return err
	}

	across := ceilDiv(int(width), l.chunkWidth)
	down := ceilDiv(int(height), l.chunkHeight)
	want := across * down
	if l.planar == planarSeparate {
		want *= int(spp)
	}
	if len(l.offsets) < want || len(l.byteCounts) < want {
		return fmt.Errorf("%w: expected %d chunks, found %d", ErrUnsupported, want, len(l.offsets))
	}

	p := Profile{
		Driver: "GTiff",
		DType:  dtype,
		Width:  int(width),
		Height: int(height),
		Count:  int(spp),
	}
	switch l.compression {
	case compressionLZW:
		p.Compress = "lzw"
	case compressionDeflate, compressionDeflateOld:
		p.Compress = "deflate"
	}
	if err := d.parseGeo(fields, &p); err != nil {
		return err
	}
	if f, ok := fields[tagGDALNoData]; ok {
		if v, err := parseNoData(f.ascii()); err == nil {
			p.NoData = &v
		}
	}

	d.profile = p
	d.layout = l
	return nil
}

func (d *Dataset) parseGeo(fields map[uint16]*field, p *Profile) error {
	p.Transform = Identity
	if f, ok := fields[tagModelTransformation]; ok {
		m, err := f.floats(d.order)
		if err != nil {
			return err
		}
		if len(m) >= 8 {
			p.Transform = Affine{A: m[0], B: m[1], C: m[3], D: m[4], E: m[5], F: m[7]}
		}
	} else if sf, ok := fields[tagModelPixelScale]; ok {
		tf, ok := fields[tagModelTiepoint]
		if !ok {
			return fmt.Errorf("%w: pixel scale without tiepoint", ErrUnsupported)
		}
		scale, err := sf.floats(d.order)
		if err != nil {
			return err
		}
		tie, err := tf.floats(d.order)
		if err != nil {
			return err
		}
		if len(scale) < 2 || len(tie) < 6 {
			return fmt.Errorf("%w: short georeferencing tags", ErrUnsupported)
		}
		p.Transform = Affine{
			A: scale[0],
			C: tie[3] - tie[0]*scale[0],
			E: -scale[1],
			F: tie[4] + tie[1]*scale[1],
		}
	}

	f, ok := fields[tagGeoKeyDirectory]
	if !ok {
		return nil
	}
	keys, err := f.uints(d.order)
	if err != nil {
		return err
	}
	if len(keys) < 4 {
		return nil
	}
	values := make(map[uint64]uint64)
	for i := 0; i < int(keys[3]) && 4+i*4+3 < len(keys); i++ {
		k := keys[4+i*4:]
		// Only keys stored inline in the directory are of interest.
		if k[1] == 0 {
			values[k[0]] = k[3]
		}
	}

	if v, ok := values[geoKeyProjectedType]; ok && v != userDefined {
		p.CRS = CRS{EPSG: int(v)}
	} else if v, ok := values[geoKeyGeographicType]; ok && v != userDefined {
		p.CRS = CRS{EPSG: int(v)}
	}
	if values[geoKeyRasterType] == rasterPixelIsPoint {
		t := p.Transform
		t.C -= 0.5*t.A + 0.5*t.B
		t.F -= 0.5*t.D + 0.5*t.E
		p.Transform = t
	}
	return nil
}

// Profile returns the dataset profile.
func (d *Dataset) Profile() Profile {
	return d.profile
}

// Close releases the underlying reader when it is closable.
func (d *Dataset) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.closer != nil {
			err = d.closer.Close()
		}
	})
	return err
}

// ReadWindow reads a 1-based band restricted to win. Pixels of the window that
// fall outside the raster are NaN.
func (d *Dataset) ReadWindow(band int, win Window) ([]float32, error) {
	p := d.profile
	if band < 1 || band > p.Count {
		return nil, fmt.Errorf("band %d out of range [1, %d]", band, p.Count)
	}
	if win.Width <= 0 || win.Height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, win)
	}

	out := make([]float32, win.Width*win.Height)
	nan := float32(math.NaN())
	for i := range out {
		out[i] = nan
	}
	if !win.Intersects(p.Width, p.Height) {
		return out, nil
	}

	l := d.layout
	col0, row0 := max(win.ColOff, 0), max(win.RowOff, 0)
	col1, row1 := min(win.ColOff+win.Width, p.Width), min(win.RowOff+win.Height, p.Height)

	for cy := row0 / l.chunkHeight; cy*l.chunkHeight < row1; cy++ {
		for cx := col0 / l.chunkWidth; cx*l.chunkWidth < col1; cx++ {
			chunk, rows, err := d.readChunk(band, cx, cy)
			if err != nil {
				return nil, err
			}
			baseRow, baseCol := cy*l.chunkHeight, cx*l.chunkWidth
			for r := max(row0, baseRow); r < min(row1, baseRow+rows); r++ {
				for c := max(col0, baseCol); c < min(col1, baseCol+l.chunkWidth); c++ {
					out[(r-win.RowOff)*win.Width+(c-win.ColOff)] = chunk[(r-baseRow)*l.chunkWidth+(c-baseCol)]
				}
			}
		}
	}
	return out, nil
}

// ReadBand reads a whole 1-based band.
func (d *Dataset) ReadBand(band int) ([]float32, error) {
	return d.ReadWindow(band, Window{Width: d.profile.Width, Height: d.profile.Height})
}

// Read loads every band into memory.
func (d *Dataset) Read() (*GeoRaster, error) {
	p := d.profile
	n := p.Width * p.Height
	data := make([]float32, p.Count*n)
	for b := 1; b <= p.Count; b++ {
		band, err := d.ReadBand(b)
		if err != nil {
			return nil, err
		}
		copy(data[(b-1)*n:], band)
	}
	return &GeoRaster{Data: data, Profile: p}, nil
}

// readChunk decodes one strip or tile for the band. It returns the samples laid
// out with a row stride of chunkWidth and the number of rows present.
func (d *Dataset) readChunk(band, cx, cy int) ([]float32, int, error) {
	p, l := d.profile, d.layout
	across := ceilDiv(p.Width, l.chunkWidth)
	down := ceilDiv(p.Height, l.chunkHeight)

	index := cy*across + cx
	spp, sample := p.Count, band-1
	if l.planar == planarSeparate {
		index += (band - 1) * across * down
		spp, sample = 1, 0
	}

	rows := l.chunkHeight
	if !l.tiled {
		rows = min(l.chunkHeight, p.Height-cy*l.chunkHeight)
	}
	bytesPerSample := l.bits / 8
	rowBytes := l.chunkWidth * spp * bytesPerSample
	size := rowBytes * rows

	out := make([]float32, l.chunkWidth*rows)
	offset, count := l.offsets[index], l.byteCounts[index]
	if offset == 0 || count == 0 {
		// Sparse chunk.
		fill := float32(0)
		if p.NoData != nil {
			fill = float32(*p.NoData)
		}
		for i := range out {
			out[i] = fill
		}
		return out, rows, nil
	}

	raw := make([]byte, count)
	if _, err := d.r.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}
	buf, err := d.decompress(raw, size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decompress chunk %d: %w", index, err)
	}
	if len(buf) < size {
		return nil, 0, fmt.Errorf("chunk %d: decoded %d bytes, want %d", index, len(buf), size)
	}
	buf = buf[:size]

	switch l.predictor {
	case predictorNone:
	case predictorHorizontal:
		undoHorizontal(buf, d.order, rowBytes, spp, bytesPerSample)
	case predictorFloatingPoint:
		undoFloatingPoint(buf, d.order, rowBytes, spp, bytesPerSample)
	default:
		return nil, 0, fmt.Errorf("%w: predictor %d", ErrUnsupported, l.predictor)
	}

	stride := spp * bytesPerSample
	for i := range out {
		out[i] = d.sample(buf[i*stride+sample*bytesPerSample:])
	}
	return out, rows, nil
}

func (d *Dataset) decompress(raw []byte, size int) ([]byte, error) {
	var rc io.ReadCloser
	var err error
	switch d.layout.compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		rc = lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
	case compressionDeflate, compressionDeflateOld:
		if rc, err = zlib.NewReader(bytes.NewReader(raw)); err != nil {
			return nil, err
		}
	}
	defer rc.Close()

	buf := make([]byte, size)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

func (d *Dataset) sample(b []byte) float32 {
	switch d.profile.DType {
	case Uint8:
		return float32(b[0])
	case Int8:
		return float32(int8(b[0]))
	case Uint16:
		return float32(d.order.Uint16(b))
	case Int16:
		return float32(int16(d.order.Uint16(b)))
	case Uint32:
		return float32(d.order.Uint32(b))
	case Int32:
		return float32(int32(d.order.Uint32(b)))
	case Float32:
		return math.Float32frombits(d.order.Uint32(b))
	case Float64:
		return float32(math.Float64frombits(d.order.Uint64(b)))
	}
	return float32(math.NaN())
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
