package gazetteer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"IncidentEnricher/internal/domain"
	"IncidentEnricher/internal/ports"
)

// CSVSource reads places from a CSV file with a header row containing
// place_id, region, province, district, latitude and longitude. Common
// Spanish header names (departamento, provincia, distrito, lat, lon) are
// accepted too.
type CSVSource struct {
	path string
}

var _ ports.GazetteerSource = (*CSVSource)(nil)

// NewCSVSource points at a gazetteer file.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

// LoadPlaces reads the whole file.
func (s *CSVSource) LoadPlaces(ctx context.Context) ([]domain.GazetteerPlace, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open gazetteer %s: %w", s.path, err)
	}
	defer f.Close()

	places, err := ReadCSV(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read gazetteer %s: %w", s.path, err)
	}
	return places, nil
}

var headerAliases = map[string]string{
	"place_id":      "place_id",
	"id":            "place_id",
	"ubigeo":        "place_id",
	"region":        "region",
	"region_name":   "region",
	"departamento":  "region",
	"province":      "province",
	"province_name": "province",
	"provincia":     "province",
	"district":      "district",
	"district_name": "district",
	"distrito":      "district",
	"latitude":      "lat",
	"lat":           "lat",
	"latitud":       "lat",
	"longitude":     "lon",
	"lon":           "lon",
	"lng":           "lon",
	"longitud":      "lon",
}

var requiredColumns = []string{"place_id", "region", "province", "district", "lat", "lon"}

// ReadCSV parses gazetteer rows. Rows with unparsable coordinates are
// skipped; a missing column is an error.
func ReadCSV(ctx context.Context, r io.Reader) ([]domain.GazetteerPlace, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canonical, ok := headerAliases[name]; ok {
			if _, dup := cols[canonical]; !dup {
				cols[canonical] = i
			}
		}
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %s", c)
		}
	}

	var places []domain.GazetteerPlace
	for line := 2; ; line++ {
		if line%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		field := func(name string) string {
			i := cols[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		lat, errLat := strconv.ParseFloat(field("lat"), 64)
		lon, errLon := strconv.ParseFloat(field("lon"), 64)
		if errLat != nil || errLon != nil {
			continue
		}
		places = append(places, domain.GazetteerPlace{
			PlaceID:  field("place_id"),
			Region:   field("region"),
			Province: field("province"),
			District: field("district"),
			Lat:      lat,
			Lon:      lon,
		})
	}
	return places, nil
}
