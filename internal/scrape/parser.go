package scrape

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

// stripMarkup removes any markup the portal leaks into free-text fields and
// collapses whitespace.
func stripMarkup(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// flexAmount accepts the portal's two monetary representations: a plain
// number, or a currency-formatted string like "$ 1.500.000" or "500,50".
// Unparsable values decode to zero, never to an error.
type flexAmount float64

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	*a = flexAmount(parseAmount(data))
	return nil
}

func parseAmount(data []byte) float64 {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return 0
	}

	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return v
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0
	}

	// "$ 1.500.000" -> 1500000, "500,50" -> 500.5: drop the currency
	// symbol, treat dots as thousands separators and the comma as the
	// decimal mark.
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// flexInt accepts numbers, numeric strings and null.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*n = 0
		return nil
	}
	if v, err := strconv.Atoi(trimmed); err == nil {
		*n = flexInt(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		*n = 0
		return nil
	}
	*n = flexInt(v)
	return nil
}

// flexString accepts strings and bare numbers (the listing id field shows up
// both ways).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.Trim(trimmed, `"`))
	return nil
}

var stampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-01-2006",
}

// flexTime parses the portal's assorted timestamp spellings; failures decode
// to a nil time rather than an error.
type flexTime struct {
	t *time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, format := range stampFormats {
		if t, err := time.Parse(format, s); err == nil {
			f.t = &t
			return nil
		}
	}
	return nil
}

type rawListingItem struct {
	Codigo             flexString `json:"codigo"`
	ID                 flexString `json:"id"`
	Nombre             string     `json:"nombre"`
	Estado             string     `json:"estado"`
	Organismo          string     `json:"organismo"`
	Monto              flexAmount `json:"monto_disponible_CLP"`
	FechaPublicacion   flexTime   `json:"fecha_publicacion"`
	FechaCierre        flexTime   `json:"fecha_cierre"`
	Proveedores        flexInt    `json:"cantidad_provedores_cotizando"`
	EstadoConvocatoria flexInt    `json:"estado_convocatoria"`
}

type listingEnvelope struct {
	Payload *struct {
		ResultCount int               `json:"resultCount"`
		PageCount   int               `json:"pageCount"`
		Resultados  *[]rawListingItem `json:"resultados"`
	} `json:"payload"`
}

// ParseListing validates and projects one page of the listing endpoint.
// A payload without the expected structure is an error; an empty result
// list is not.
func ParseListing(body []byte) (*ListingPage, error) {
	var env listingEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding listing response: %w", err)
	}
	if env.Payload == nil {
		return nil, fmt.Errorf("listing response missing payload")
	}
	if env.Payload.Resultados == nil {
		return nil, fmt.Errorf("listing payload missing resultados")
	}

	page := &ListingPage{
		ResultCount: env.Payload.ResultCount,
		PageCount:   env.Payload.PageCount,
		Items:       make([]ListingItem, 0, len(*env.Payload.Resultados)),
	}

	for _, raw := range *env.Payload.Resultados {
		code := string(raw.Codigo)
		if code == "" {
			code = string(raw.ID)
		}
		if code == "" {
			continue
		}
		page.Items = append(page.Items, ListingItem{
			Code:             code,
			Title:            stripMarkup(raw.Nombre),
			Status:           strings.TrimSpace(raw.Estado),
			Organization:     strings.TrimSpace(raw.Organismo),
			Amount:           float64(raw.Monto),
			PublishedOn:      raw.FechaPublicacion.t,
			ClosesAt:         raw.FechaCierre.t,
			BidderCount:      int(raw.Proveedores),
			ConvocationState: int(raw.EstadoConvocatoria),
		})
	}

	return page, nil
}

type rawProduct struct {
	Nombre      string     `json:"nombre"`
	Descripcion string     `json:"descripcion"`
	Cantidad    flexAmount `json:"cantidad"`
}

type rawDetail struct {
	Descripcion        string          `json:"descripcion"`
	DireccionEntrega   string          `json:"direccion_entrega"`
	FechaCierreP1      flexTime        `json:"fecha_cierre_primer_llamado"`
	FechaCierreP2      flexTime        `json:"fecha_cierre_segundo_llamado"`
	Productos          []rawProduct    `json:"productos_solicitados"`
	Estado             string          `json:"estado"`
	Proveedores        flexInt         `json:"cantidad_provedores_cotizando"`
	EstadoConvocatoria *flexInt        `json:"estado_convocatoria"`
	PlazoEntrega       *flexInt        `json:"plazo_entrega"`
	Institucion        *struct {
		OrganismoComprador string `json:"organismo_comprador"`
	} `json:"informacion_institucion"`
	Comprador       json.RawMessage `json:"Comprador"`
	Presupuesto     flexAmount      `json:"presupuesto_estimado"`
	FechaPublicacion flexTime       `json:"fecha_publicacion"`
	Adjudicacion    json.RawMessage `json:"Adjudicacion"`
	MotivoDesierta  string          `json:"motivo_desierta"`
}

type detailEnvelope struct {
	Success string          `json:"success"`
	Payload json.RawMessage `json:"payload"`
}

// ParseDetail validates and projects a detail response. A malformed or
// unsuccessful response yields (nil, error); batch callers treat that as
// "absent" and move on.
func ParseDetail(body []byte) (*Detail, error) {
	var env detailEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding detail response: %w", err)
	}
	if env.Success != "OK" || len(env.Payload) == 0 {
		return nil, fmt.Errorf("detail response not successful")
	}

	var raw rawDetail
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		return nil, fmt.Errorf("decoding detail payload: %w", err)
	}

	d := &Detail{
		Description:     stripMarkup(raw.Descripcion),
		DeliveryAddress: stripMarkup(raw.DireccionEntrega),
		FirstCallClose:  raw.FechaCierreP1.t,
		SecondCallClose: raw.FechaCierreP2.t,
		Status:          deriveDetailStatus(raw),
		BidderCount:     int(raw.Proveedores),
		Organization:    deriveOrganization(raw),
		Amount:          float64(raw.Presupuesto),
		PublishedOn:     raw.FechaPublicacion.t,
	}

	if raw.EstadoConvocatoria != nil {
		v := int(*raw.EstadoConvocatoria)
		d.ConvocationState = &v
	}
	if raw.PlazoEntrega != nil {
		v := int(*raw.PlazoEntrega)
		d.DeliveryTermDays = &v
	}

	for _, p := range raw.Productos {
		d.LineItems = append(d.LineItems, LineItem{
			Name:        strings.TrimSpace(p.Nombre),
			Description: strings.TrimSpace(p.Descripcion),
			Quantity:    float64(p.Cantidad),
		})
	}

	return d, nil
}

// deriveOrganization resolves the buyer name across the three shapes the
// portal has shipped: the institution block, a legacy Comprador object, or
// a bare Comprador string, in that precedence order.
func deriveOrganization(raw rawDetail) string {
	if raw.Institucion != nil && strings.TrimSpace(raw.Institucion.OrganismoComprador) != "" {
		return strings.TrimSpace(raw.Institucion.OrganismoComprador)
	}

	if len(raw.Comprador) > 0 {
		var obj struct {
			NombreOrganismo string `json:"NombreOrganismo"`
		}
		if err := json.Unmarshal(raw.Comprador, &obj); err == nil && obj.NombreOrganismo != "" {
			return strings.TrimSpace(obj.NombreOrganismo)
		}
		var s string
		if err := json.Unmarshal(raw.Comprador, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}

	return ""
}

// deriveDetailStatus falls back to award/desert evidence when the explicit
// estado field is absent.
func deriveDetailStatus(raw rawDetail) string {
	if s := strings.TrimSpace(raw.Estado); s != "" {
		return s
	}

	if len(raw.Adjudicacion) > 0 {
		var list []json.RawMessage
		if err := json.Unmarshal(raw.Adjudicacion, &list); err == nil && len(list) > 0 {
			return "Adjudicada"
		}
		var obj struct {
			URLActa string `json:"url_acta"`
		}
		if err := json.Unmarshal(raw.Adjudicacion, &obj); err == nil && obj.URLActa != "" {
			return "Adjudicada"
		}
	}

	if strings.TrimSpace(raw.MotivoDesierta) != "" {
		return "Desierta"
	}

	return ""
}
