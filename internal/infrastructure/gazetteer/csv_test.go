package gazetteer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadCSVAcceptsSpanishHeaders(t *testing.T) {
	t.Parallel()

	data := "\ufeffubigeo,departamento,provincia,distrito,latitud,longitud\n" +
		"150101,Lima,Lima,Lima,-12.0464,-77.0428\n" +
		"080101,Cusco,Cusco,Cusco,-13.5319,-71.9675\n" +
		"999999,Nowhere,Nowhere,Nowhere,n/a,-70\n"

	places, err := ReadCSV(context.Background(), strings.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(places) != 2 {
		t.Fatalf("expected 2 places, got %d", len(places))
	}
	if places[1].PlaceID != "080101" || places[1].Region != "Cusco" || places[1].Lon != -71.9675 {
		t.Fatalf("unexpected place %+v", places[1])
	}
}

func TestReadCSVRequiresColumns(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(context.Background(), strings.NewReader("place_id,region,province,lat,lon\n1,a,b,1,1\n"))
	if err == nil || !strings.Contains(err.Error(), "district") {
		t.Fatalf("expected missing district error, got %v", err)
	}
}

func TestCSVSourceLoadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "places.csv")
	content := "place_id,region,province,district,latitude,longitude\n1,Lima,Lima,Miraflores,-12.12,-77.03\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	places, err := NewCSVSource(path).LoadPlaces(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(places) != 1 || places[0].District != "Miraflores" {
		t.Fatalf("unexpected places %+v", places)
	}

	if _, err := NewCSVSource(filepath.Join(t.TempDir(), "missing.csv")).LoadPlaces(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
