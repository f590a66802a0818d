package service

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-spatial/geom"
)

// BoundingBoxFromKML extracts the minimum bounding rectangle of all the
// coordinates declared in a KML document (lon,lat[,alt] tuples).
func BoundingBoxFromKML(r io.Reader) (*geom.Extent, error) {
	decoder := xml.NewDecoder(r)
	var points [][2]float64
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("BoundingBoxFromKML.Token: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "coordinates" {
			continue
		}
		var raw string
		if err := decoder.DecodeElement(&raw, &start); err != nil {
			return nil, fmt.Errorf("BoundingBoxFromKML.DecodeElement: %w", err)
		}
		pts, err := parseCoordinates(raw)
		if err != nil {
			return nil, fmt.Errorf("BoundingBoxFromKML.%w", err)
		}
		points = append(points, pts...)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("BoundingBoxFromKML: no coordinates found")
	}
	return geom.NewExtent(points...), nil
}

// BoundingBoxFromKMLFile is BoundingBoxFromKML on a local file
func BoundingBoxFromKMLFile(path string) (*geom.Extent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("BoundingBoxFromKMLFile: %w", err)
	}
	defer f.Close()
	return BoundingBoxFromKML(f)
}

func parseCoordinates(raw string) ([][2]float64, error) {
	var points [][2]float64
	for _, tuple := range strings.Fields(raw) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("parseCoordinates: malformed tuple %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parseCoordinates: %w", err)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parseCoordinates: %w", err)
		}
		points = append(points, [2]float64{lon, lat})
	}
	return points, nil
}
