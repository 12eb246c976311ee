package exports

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/natural"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/xform"
)

// Columns appended to every tabular export.
const (
	ColumnID             = "_id"
	ColumnUUID           = "_uuid"
	ColumnSubmissionTime = "_submission_time"
)

type record struct {
	id          uint
	uuid        string
	submitted   time.Time
	doc         map[string]any
	attachments []models.Attachment
}

type dataset struct {
	form    *xform.Form
	records []record
}

type table struct {
	header []string
	rows   [][]string
}

func parseQuery(query string) (map[string]any, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	var filter map[string]any
	if err := json.Unmarshal([]byte(query), &filter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return filter, nil
}

// loadData reads the live submissions of a form matching query, a JSON
// object of exact answer matches.
func loadData(ctx context.Context, db *gorm.DB, xf *models.XForm, query string) (*dataset, error) {
	form, err := xform.Parse([]byte(xf.XML))
	if err != nil {
		form = &xform.Form{IDString: xf.IDString, Title: xf.Title}
	}
	filter, err := parseQuery(query)
	if err != nil {
		return nil, err
	}

	var instances []models.Instance
	if err := db.WithContext(ctx).
		Preload("Attachments", "deleted_at IS NULL").
		Where("xform_id = ? AND deleted_at IS NULL", xf.ID).
		Order("id").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("failed to load submissions: %w", err)
	}

	data := &dataset{form: form}
	for _, inst := range instances {
		var doc map[string]any
		if len(inst.JSON) > 0 {
			if err := json.Unmarshal(inst.JSON, &doc); err != nil {
				return nil, fmt.Errorf("instance %d has invalid json: %w", inst.ID, err)
			}
		}
		if doc == nil {
			doc = map[string]any{}
		}
		rec := record{
			id:          inst.ID,
			uuid:        inst.UUID,
			submitted:   inst.CreatedAt,
			doc:         doc,
			attachments: inst.Attachments,
		}
		if rec.matches(filter) {
			data.records = append(data.records, rec)
		}
	}
	return data, nil
}

func (r *record) matches(filter map[string]any) bool {
	for key, want := range filter {
		var got any
		switch key {
		case ColumnID:
			got = r.id
		case ColumnUUID:
			got = r.uuid
		default:
			got = r.doc[key]
		}
		if stringify(got) != stringify(want) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// flatten renders a submission as a single row. Repeated groups are
// expanded with 1-based indexes, e.g. "household/member[2]/age". The
// original paths of repeated groups are collected into repeats.
func flatten(doc map[string]any, repeats map[string]bool) map[string]string {
	out := make(map[string]string, len(doc))
	for key, v := range doc {
		flattenValue(out, repeats, key, key, v)
	}
	return out
}

func flattenValue(out map[string]string, repeats map[string]bool, orig, rendered string, v any) {
	switch val := v.(type) {
	case []any:
		repeats[orig] = true
		for i, item := range val {
			indexed := fmt.Sprintf("%s[%d]", rendered, i+1)
			m, ok := item.(map[string]any)
			if !ok {
				out[indexed] = stringify(item)
				continue
			}
			for ck, cv := range m {
				flattenValue(out, repeats, ck, indexed+strings.TrimPrefix(ck, orig), cv)
			}
		}
	case map[string]any:
		for ck, cv := range val {
			flattenValue(out, repeats, orig+"/"+ck, rendered+"/"+ck, cv)
		}
	default:
		out[rendered] = stringify(val)
	}
}

// table lays the dataset out in rows. Form questions come first in form
// order, then any other answers in natural order, then the metadata
// columns.
func (d *dataset) table(opts models.ExportOptions) table {
	repeats := make(map[string]bool)
	flat := make([]map[string]string, len(d.records))
	seen := make(map[string]bool)
	for i, rec := range d.records {
		flat[i] = flatten(rec.doc, repeats)
		for k := range flat[i] {
			seen[k] = true
		}
	}

	inRepeat := func(p string) bool {
		for rp := range repeats {
			if p == rp || strings.HasPrefix(p, rp+"/") {
				return true
			}
		}
		return false
	}

	var columns []string
	placed := make(map[string]bool)
	for _, f := range d.form.Fields {
		if placed[f.Path] || inRepeat(f.Path) {
			continue
		}
		columns = append(columns, f.Path)
		placed[f.Path] = true
	}
	var extra []string
	for k := range seen {
		if !placed[k] {
			extra = append(extra, k)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return natural.Less(extra[i], extra[j]) })
	columns = append(columns, extra...)

	var splits map[string][]string
	if opts.SplitSelectMultiples {
		splits = make(map[string][]string)
		for _, p := range d.form.FieldsOfType(xform.TypeSelectMultiple) {
			if !placed[p] {
				continue
			}
			chosen := make(map[string]bool)
			for _, row := range flat {
				for _, o := range strings.Fields(row[p]) {
					chosen[o] = true
				}
			}
			options := make([]string, 0, len(chosen))
			for o := range chosen {
				options = append(options, o)
			}
			sort.Slice(options, func(i, j int) bool { return natural.Less(options[i], options[j]) })
			splits[p] = options
		}
	}

	delim := opts.GroupDelimiter
	if delim == "" {
		delim = "/"
	}
	label := func(col string) string {
		return strings.ReplaceAll(col, "/", delim)
	}

	var t table
	for _, col := range columns {
		t.header = append(t.header, label(col))
		for _, o := range splits[col] {
			t.header = append(t.header, label(col)+delim+o)
		}
	}
	t.header = append(t.header, ColumnID, ColumnUUID, ColumnSubmissionTime)

	for i, rec := range d.records {
		row := make([]string, 0, len(t.header))
		for _, col := range columns {
			value := flat[i][col]
			row = append(row, value)
			if options, ok := splits[col]; ok {
				selected := make(map[string]bool)
				for _, o := range strings.Fields(value) {
					selected[o] = true
				}
				for _, o := range options {
					row = append(row, splitValue(o, selected[o], opts.BinarySelectMultiples))
				}
			}
		}
		row = append(row,
			strconv.FormatUint(uint64(rec.id), 10),
			rec.uuid,
			rec.submitted.UTC().Format("2006-01-02T15:04:05"),
		)
		t.rows = append(t.rows, row)
	}
	return t
}

func splitValue(option string, selected, binary bool) string {
	switch {
	case binary && selected:
		return "1"
	case binary:
		return "0"
	case selected:
		return option
	}
	return ""
}
