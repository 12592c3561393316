package scrape

import (
	"fmt"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"plain number", `1500000`, 1500000},
		{"decimal number", `500.5`, 500.5},
		{"currency string with thousands dots", `"$ 1.500.000"`, 1500000},
		{"decimal comma string", `"500,50"`, 500.5},
		{"null", `null`, 0},
		{"empty string", `""`, 0},
		{"garbage", `"no aplica"`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a flexAmount
			if err := a.UnmarshalJSON([]byte(tt.raw)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if float64(a) != tt.want {
				t.Errorf("parseAmount(%s) = %v, want %v", tt.raw, float64(a), tt.want)
			}
		})
	}
}

func TestParseListing(t *testing.T) {
	body := []byte(`{
		"payload": {
			"resultCount": 42,
			"pageCount": 3,
			"resultados": [
				{"codigo": "CA-100", "nombre": "Compra de materiales", "estado": "Publicada",
				 "organismo": "Municipalidad de Temuco", "monto_disponible_CLP": "$ 1.200.000",
				 "fecha_publicacion": "2026-08-20", "fecha_cierre": "2026-09-01T17:00:00",
				 "cantidad_provedores_cotizando": 4, "estado_convocatoria": 1},
				{"id": 555, "nombre": "Servicio de aseo", "estado": "Publicada", "organismo": "Hospital Base"}
			]
		}
	}`)

	page, err := ParseListing(body)
	if err != nil {
		t.Fatalf("ParseListing failed: %v", err)
	}

	if page.ResultCount != 42 || page.PageCount != 3 {
		t.Errorf("pagination meta = (%d, %d), want (42, 3)", page.ResultCount, page.PageCount)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}

	first := page.Items[0]
	if first.Code != "CA-100" {
		t.Errorf("code = %q, want CA-100", first.Code)
	}
	if first.Amount != 1200000 {
		t.Errorf("amount = %v, want 1200000", first.Amount)
	}
	if first.PublishedOn == nil || first.PublishedOn.Format("2006-01-02") != "2026-08-20" {
		t.Errorf("published date not parsed: %v", first.PublishedOn)
	}
	if first.ClosesAt == nil || first.ClosesAt.Hour() != 17 {
		t.Errorf("close timestamp not parsed: %v", first.ClosesAt)
	}
	if first.BidderCount != 4 || first.ConvocationState != 1 {
		t.Errorf("counters = (%d, %d), want (4, 1)", first.BidderCount, first.ConvocationState)
	}

	// Numeric id fallback when codigo is absent
	if page.Items[1].Code != "555" {
		t.Errorf("id fallback code = %q, want 555", page.Items[1].Code)
	}
}

func TestParseListingRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"payload without resultados", `{"payload": {"resultCount": 1, "pageCount": 1}}`},
		{"not json", `<html>blocked</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseListing([]byte(tt.body)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestParseDetailOrganizationPrecedence(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"institution block wins",
			`{"success": "OK", "payload": {"informacion_institucion": {"organismo_comprador": "SERVIU Biobío"}, "Comprador": {"NombreOrganismo": "Legacy Org"}}}`,
			"SERVIU Biobío",
		},
		{
			"legacy buyer object",
			`{"success": "OK", "payload": {"Comprador": {"NombreOrganismo": "Gobierno Regional"}}}`,
			"Gobierno Regional",
		},
		{
			"legacy buyer string",
			`{"success": "OK", "payload": {"Comprador": "Carabineros de Chile"}}`,
			"Carabineros de Chile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDetail([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseDetail failed: %v", err)
			}
			if d.Organization != tt.want {
				t.Errorf("organization = %q, want %q", d.Organization, tt.want)
			}
		})
	}
}

func TestParseDetailStatusDerivation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"explicit estado wins",
			`{"success": "OK", "payload": {"estado": "Publicada", "Adjudicacion": [{"x": 1}]}}`,
			"Publicada",
		},
		{
			"award list implies adjudicada",
			`{"success": "OK", "payload": {"Adjudicacion": [{"proveedor": "ACME"}]}}`,
			"Adjudicada",
		},
		{
			"award object with acta implies adjudicada",
			`{"success": "OK", "payload": {"Adjudicacion": {"url_acta": "https://example.com/acta.pdf"}}}`,
			"Adjudicada",
		},
		{
			"desert reason implies desierta",
			`{"success": "OK", "payload": {"motivo_desierta": "sin ofertas"}}`,
			"Desierta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDetail([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseDetail failed: %v", err)
			}
			if d.Status != tt.want {
				t.Errorf("status = %q, want %q", d.Status, tt.want)
			}
		})
	}
}

func TestParseDetailFull(t *testing.T) {
	closes := time.Date(2026, 9, 15, 15, 30, 0, 0, time.UTC)
	body := fmt.Sprintf(`{
		"success": "OK",
		"payload": {
			"descripcion": "Compra de <b>herramientas</b> eléctricas",
			"direccion_entrega": "Av. Prat 123, Concepción",
			"fecha_cierre_primer_llamado": "%s",
			"fecha_cierre_segundo_llamado": "2026-09-22T15:30:00",
			"productos_solicitados": [
				{"nombre": "Taladro", "descripcion": "800W", "cantidad": 3},
				{"nombre": "Sierra circular", "descripcion": "", "cantidad": 1}
			],
			"estado": "Publicada",
			"cantidad_provedores_cotizando": 7,
			"estado_convocatoria": 2,
			"plazo_entrega": 10,
			"informacion_institucion": {"organismo_comprador": "Ejército de Chile"},
			"presupuesto_estimado": "$ 2.350.000",
			"fecha_publicacion": "2026-08-25"
		}
	}`, closes.Format("2006-01-02T15:04:05"))

	d, err := ParseDetail([]byte(body))
	if err != nil {
		t.Fatalf("ParseDetail failed: %v", err)
	}

	if d.Description != "Compra de herramientas eléctricas" {
		t.Errorf("markup not stripped: %q", d.Description)
	}
	if d.Amount != 2350000 {
		t.Errorf("amount = %v, want 2350000", d.Amount)
	}
	if len(d.LineItems) != 2 || d.LineItems[0].Name != "Taladro" || d.LineItems[0].Quantity != 3 {
		t.Errorf("line items not parsed: %+v", d.LineItems)
	}
	if d.SecondCallClose == nil {
		t.Error("second call close missing")
	}
	if d.ConvocationState == nil || *d.ConvocationState != 2 {
		t.Errorf("convocation state = %v, want 2", d.ConvocationState)
	}
	if d.DeliveryTermDays == nil || *d.DeliveryTermDays != 10 {
		t.Errorf("delivery term = %v, want 10", d.DeliveryTermDays)
	}
}

func TestParseDetailRejectsFailures(t *testing.T) {
	for _, body := range []string{
		`{"success": "ERROR"}`,
		`{"success": "OK"}`,
		`not json at all`,
	} {
		if _, err := ParseDetail([]byte(body)); err == nil {
			t.Errorf("expected error for %q", body)
		}
	}
}
