package raster

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// undoHorizontal reverses TIFF predictor 2 in place.
func undoHorizontal(buf []byte, order binary.ByteOrder, rowBytes, spp, bps int) {
	for start := 0; start+rowBytes <= len(buf); start += rowBytes {
		row := buf[start : start+rowBytes]
		n := rowBytes / bps
		switch bps {
		case 1:
			for i := spp; i < n; i++ {
				row[i] += row[i-spp]
			}
		case 2:
			for i := spp; i < n; i++ {
				order.PutUint16(row[i*2:], order.Uint16(row[i*2:])+order.Uint16(row[(i-spp)*2:]))
			}
		case 4:
			for i := spp; i < n; i++ {
				order.PutUint32(row[i*4:], order.Uint32(row[i*4:])+order.Uint32(row[(i-spp)*4:]))
			}
		case 8:
			for i := spp; i < n; i++ {
				order.PutUint64(row[i*8:], order.Uint64(row[i*8:])+order.Uint64(row[(i-spp)*8:]))
			}
		}
	}
}

// undoFloatingPoint reverses TIFF predictor 3 in place: a byte-wise horizontal
// difference over a row whose sample bytes are grouped most significant first.
// The result is written back in the file byte order.
func undoFloatingPoint(buf []byte, order binary.ByteOrder, rowBytes, spp, bps int) {
	tmp := make([]byte, rowBytes)
	n := rowBytes / bps
	bigEndian := order == binary.BigEndian
	for start := 0; start+rowBytes <= len(buf); start += rowBytes {
		row := buf[start : start+rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for k := 0; k < n; k++ {
			for j := 0; j < bps; j++ {
				if bigEndian {
					row[k*bps+j] = tmp[j*n+k]
				} else {
					row[k*bps+bps-1-j] = tmp[j*n+k]
				}
			}
		}
	}
}

// applyFloatingPoint is the inverse of undoFloatingPoint.
func applyFloatingPoint(buf []byte, order binary.ByteOrder, rowBytes, spp, bps int) {
	tmp := make([]byte, rowBytes)
	n := rowBytes / bps
	bigEndian := order == binary.BigEndian
	for start := 0; start+rowBytes <= len(buf); start += rowBytes {
		row := buf[start : start+rowBytes]
		for k := 0; k < n; k++ {
			for j := 0; j < bps; j++ {
				if bigEndian {
					tmp[j*n+k] = row[k*bps+j]
				} else {
					tmp[j*n+k] = row[k*bps+bps-1-j]
				}
			}
		}
		copy(row, tmp)
		for i := rowBytes - 1; i >= spp; i-- {
			row[i] -= row[i-spp]
		}
	}
}

func parseNoData(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
