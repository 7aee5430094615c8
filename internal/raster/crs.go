package raster

import (
	"fmt"
)

// Well-known EPSG codes.
const (
	EPSGWGS84       = 4326
	EPSGWebMercator = 3857
)

// CRS identifies a coordinate reference system by EPSG code. A zero code means unknown.
type CRS struct {
	EPSG int
}

// WGS84 is geographic longitude/latitude on the WGS84 datum.
var WGS84 = CRS{EPSG: EPSGWGS84}

// IsGeographic reports whether coordinates are longitude/latitude degrees.
func (c CRS) IsGeographic() bool {
	return c.EPSG == EPSGWGS84
}

func (c CRS) String() string {
	if c.EPSG == 0 {
		return "unknown"
	}
	return fmt.Sprintf("EPSG:%d", c.EPSG)
}

// Proj4 returns the PROJ.4 definition for the CRS. WGS84 geographic, web mercator
// and the WGS84 UTM zones are supported.
func (c CRS) Proj4() (string, error) {
	switch {
	case c.EPSG == EPSGWGS84:
		return "+proj=longlat +datum=WGS84 +no_defs", nil
	case c.EPSG == EPSGWebMercator:
		return "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs", nil
	case c.EPSG > 32600 && c.EPSG <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", c.EPSG-32600), nil
	case c.EPSG > 32700 && c.EPSG <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", c.EPSG-32700), nil
	}
	return "", fmt.Errorf("unsupported CRS %s", c)
}
