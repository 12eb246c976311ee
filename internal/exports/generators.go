package exports

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/xform"
)

type genContext struct {
	xform   *models.XForm
	data    *dataset
	options models.ExportOptions
	storage storage.StorageBackend
	log     *slog.Logger
}

type generator func(ctx context.Context, w io.Writer, g *genContext) error

// sav_zip has no generator; such exports end up failed.
var generators = map[string]generator{
	models.CSVExport:    writeCSV,
	models.CSVZIPExport: writeCSVZip,
	models.XLSExport:    writeXLSX,
	models.KMLExport:    writeKML,
	models.ZIPExport:    writeAttachmentsZip,
}

func writeCSV(_ context.Context, w io.Writer, g *genContext) error {
	t := g.data.table(g.options)
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

func writeCSVZip(ctx context.Context, w io.Writer, g *genContext) error {
	zw := zip.NewWriter(w)
	entry, err := zw.Create(g.xform.IDString + ".csv")
	if err != nil {
		return err
	}
	if err := writeCSV(ctx, entry, g); err != nil {
		return err
	}
	return zw.Close()
}

func writeXLSX(_ context.Context, w io.Writer, g *genContext) error {
	t := g.data.table(g.options)

	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(g.xform.IDString)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	writeRow := func(n int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, n)
		if err != nil {
			return err
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = v
		}
		return sw.SetRow(cell, row)
	}
	if err := writeRow(1, t.header); err != nil {
		return err
	}
	for i, values := range t.rows {
		if err := writeRow(i+2, values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

// sheetName makes s usable as a worksheet name: at most 31 characters and
// none of : \ / ? * [ ].
func sheetName(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, s)
	if r := []rune(s); len(r) > 31 {
		s = string(r[:31])
	}
	if s == "" {
		return "data"
	}
	return s
}

type kmlDocument struct {
	XMLName xml.Name  `xml:"kml"`
	NS      string    `xml:"xmlns,attr"`
	Name    string    `xml:"Document>name"`
	Marks   []kmlMark `xml:"Document>Placemark"`
}

type kmlMark struct {
	Name        string    `xml:"name"`
	Description string    `xml:"description,omitempty"`
	Data        []kmlData `xml:"ExtendedData>Data,omitempty"`
	Coordinates string    `xml:"Point>coordinates"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// writeKML places one mark per submission and geopoint answer. Answers
// that are not "lat lon [alt [acc]]" are skipped.
func writeKML(_ context.Context, w io.Writer, g *genContext) error {
	doc := kmlDocument{NS: "http://www.opengis.net/kml/2.2", Name: g.xform.Title}
	points := g.data.form.FieldsOfType(xform.TypeGeopoint)

	for _, rec := range g.data.records {
		flat := flatten(rec.doc, map[string]bool{})
		var extended []kmlData
		for _, f := range g.data.form.Fields {
			if v, ok := flat[f.Path]; ok && f.Type != xform.TypeGeopoint {
				extended = append(extended, kmlData{Name: f.Path, Value: v})
			}
		}
		for _, p := range points {
			coords, ok := kmlCoordinates(flat[p])
			if !ok {
				continue
			}
			doc.Marks = append(doc.Marks, kmlMark{
				Name:        fmt.Sprintf("%s %d", g.xform.IDString, rec.id),
				Description: p,
				Data:        extended,
				Coordinates: coords,
			})
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode kml: %w", err)
	}
	return enc.Close()
}

func kmlCoordinates(geopoint string) (string, bool) {
	parts := strings.Fields(geopoint)
	if len(parts) < 2 {
		return "", false
	}
	var vals [3]float64
	for i := 0; i < len(parts) && i < 3; i++ {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return "", false
		}
		vals[i] = v
	}
	lat, lon, alt := vals[0], vals[1], vals[2]
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", false
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(lon) + "," + f(lat) + "," + f(alt), true
}

// writeAttachmentsZip archives the live attachments of the exported
// submissions as {instance uuid}/{filename}. Files missing from storage are
// skipped. A filename already used in the archive gets a _N suffix.
func writeAttachmentsZip(ctx context.Context, w io.Writer, g *genContext) error {
	zw := zip.NewWriter(w)
	taken := make(map[string]bool)
	for _, rec := range g.data.records {
		for _, att := range rec.attachments {
			name := uniqueName(taken, path.Join(rec.uuid, att.Filename()))
			err := addToZip(ctx, zw, g.storage, name, att.MediaFile)
			if errors.Is(err, errUnreadable) {
				g.log.Warn("skipping attachment in zip export", "path", att.MediaFile, "error", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to add %s to zip: %w", name, err)
			}
			taken[name] = true
		}
	}
	return zw.Close()
}

func uniqueName(taken map[string]bool, name string) string {
	if !taken[name] {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}

var errUnreadable = errors.New("attachment unreadable")

// addToZip copies key into the archive as name. The file is spooled to a
// temporary file first so a failed read never leaves a truncated entry;
// such failures wrap errUnreadable.
func addToZip(ctx context.Context, zw *zip.Writer, backend storage.StorageBackend, name, key string) error {
	rc, err := backend.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnreadable, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "kobocat-zip-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, rc)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnreadable, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.CopyN(entry, tmp, size)
	return err
}
