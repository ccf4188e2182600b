package feedfile

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html/charset"

	"github.com/bartek5186/mallsync/internal/staging"
)

// column keys; DefaultColumns maps them to the GNB export headers
const (
	colProductID = "product_id"
	colBrand     = "brand"
	colName      = "name"
	colModel     = "model"
	colGender    = "gender"
	colCategory1 = "category1"
	colCategory2 = "category2"
	colColor     = "color"
	colSize      = "size"
	colStock     = "stock"
	colCost      = "cost"
	colRetail    = "retail"
	colSeason    = "season"
	colOrigin    = "origin"
	colVariantID = "variant_id"
	colMaterial  = "material"
	colImage1    = "image1"
	colImage2    = "image2"
	colImage3    = "image3"
	colImage4    = "image4"
)

const defaultLabel = "ONE"

var DefaultColumns = map[string]string{
	colProductID: "IGUArticolo",
	colBrand:     "DSLinea",
	colName:      "DSArticoloAgg",
	colModel:     "Modello",
	colGender:    "DSSessoWeb",
	colCategory1: "DSRepartoWeb",
	colCategory2: "DSCategoriaMerceologicaWeb",
	colColor:     "Classificazione7",
	colSize:      "Taglia",
	colStock:     "Disponibilita",
	colCost:      "Costo",
	colRetail:    "PrezzoIvato",
	colSeason:    "DSStagione",
	colOrigin:    "DSMarca",
	colVariantID: "IDArtCod",
	colMaterial:  "DSMateriale",
	colImage1:    "URLImg1",
	colImage2:    "URLImg2",
	colImage3:    "URLImg3",
	colImage4:    "URLImg4",
}

type parseStats struct {
	Rows      int
	ZeroStock int
	BadRows   int
	Items     int
	Variants  int
}

type parser struct {
	columns   map[string]string
	charset   string
	delimiter rune
}

// decode turns the raw file into UTF-8. A configured label wins; otherwise
// the encoding is sniffed from the content.
func (p *parser) decode(r io.Reader) (io.Reader, error) {
	if p.charset != "" {
		return charset.NewReaderLabel(normalizeCharset(p.charset), r)
	}
	br := bufio.NewReader(r)
	return charset.NewReader(br, "text/csv")
}

// parse groups rows into items keyed by product id, first row wins for item
// fields. Rows without stock never reach staging.
func (p *parser) parse(r io.Reader) ([]staging.ItemRecord, parseStats, error) {
	var st parseStats
	utf8, err := p.decode(r)
	if err != nil {
		return nil, st, eris.Wrap(err, "feedfile: decode")
	}
	cr := csv.NewReader(utf8)
	cr.Comma = p.delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, st, nil
	}
	if err != nil {
		return nil, st, eris.Wrap(err, "feedfile: read header")
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	if _, ok := index[p.columns[colProductID]]; !ok {
		return nil, st, eris.Errorf("feedfile: header has no %s column", p.columns[colProductID])
	}

	byID := map[string]int{}
	var items []staging.ItemRecord
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				st.BadRows++
				continue
			}
			return nil, st, eris.Wrap(err, "feedfile: read row")
		}
		st.Rows++
		get := func(key string) string {
			i, ok := index[p.columns[key]]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		id := get(colProductID)
		if id == "" {
			continue
		}
		stock := toInt(get(colStock))
		if stock <= 0 {
			st.ZeroStock++
			continue
		}

		pos, seen := byID[id]
		if !seen {
			pos = len(items)
			byID[id] = pos
			items = append(items, p.item(id, get))
		}
		label := get(colSize)
		if label == "" {
			label = defaultLabel
		}
		cost := toDecimal(get(colCost))
		items[pos].Variants = append(items[pos].Variants, staging.VariantRecord{
			ExternalVariantID: get(colVariantID),
			Label:             label,
			StockQty:          stock,
			UnitPrice:         decimal.NewNullDecimal(cost),
		})
		st.Variants++
	}
	st.Items = len(items)
	return items, st, nil
}

func (p *parser) item(id string, get func(string) string) staging.ItemRecord {
	brand := get(colBrand)
	model := get(colModel)
	var images []string
	for _, k := range []string{colImage1, colImage2, colImage3, colImage4} {
		if u := get(k); u != "" {
			images = append(images, u)
		}
	}
	return staging.ItemRecord{
		ExternalProductID: id,
		ProductName:       strings.Join(strings.Fields(brand+" "+get(colName)+" "+model), " "),
		Brand:             brand,
		Gender:            get(colGender),
		Category1:         get(colCategory1),
		Category2:         get(colCategory2),
		Season:            get(colSeason),
		SKU:               model,
		Color:             get(colColor),
		Origin:            get(colOrigin),
		Material:          get(colMaterial),
		ImageURLs:         images,
		CostPrice:         toDecimal(get(colCost)),
		ListPrice:         toDecimal(get(colRetail)),
	}
}

// toDecimal drops thousands separators; malformed amounts read as zero.
func toDecimal(s string) decimal.Decimal {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toInt(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// normalizeCharset maps labels suppliers actually send to names charset knows.
func normalizeCharset(cs string) string {
	c := strings.TrimSpace(strings.ToLower(cs))
	switch c {
	case "latin1", "latin-1", "iso8859-1", "iso_8859-1":
		return "iso-8859-1"
	case "cp1252", "windows1252", "win-1252":
		return "windows-1252"
	default:
		return c
	}
}
