package models

import (
	"time"

	"gorm.io/datatypes"
)

type ExportStatus int

const (
	ExportPending    ExportStatus = 0
	ExportSuccessful ExportStatus = 1
	ExportFailed     ExportStatus = 2
)

func (s ExportStatus) String() string {
	switch s {
	case ExportPending:
		return "pending"
	case ExportSuccessful:
		return "successful"
	case ExportFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether generation has finished, successfully or not.
func (s ExportStatus) Terminal() bool {
	return s == ExportSuccessful || s == ExportFailed
}

const (
	XLSExport    = "xls"
	CSVExport    = "csv"
	KMLExport    = "kml"
	ZIPExport    = "zip"
	CSVZIPExport = "csv_zip"
	SAVZIPExport = "sav_zip"
)

// ExportTypes maps every accepted export type to its display name.
var ExportTypes = map[string]string{
	XLSExport:    "XLS",
	CSVExport:    "CSV",
	KMLExport:    "KML",
	ZIPExport:    "ZIP",
	CSVZIPExport: "CSV ZIP",
	SAVZIPExport: "SPSS ZIP",
}

type ExportOptions struct {
	GroupDelimiter        string `json:"group_delimiter"`
	SplitSelectMultiples  bool   `json:"split_select_multiples"`
	BinarySelectMultiples bool   `json:"binary_select_multiples"`
	ForceXLSX             bool   `json:"force_xlsx"`
}

type Export struct {
	ID           uint                              `gorm:"primaryKey" json:"id"`
	XFormID      uint                              `gorm:"column:xform_id;not null;index" json:"xform_id"`
	ExportType   string                            `gorm:"not null;size:10;index" json:"export_type"`
	Filename     string                            `gorm:"size:255;index" json:"filename"`
	Filepath     string                            `gorm:"size:255" json:"filepath"`
	Status       ExportStatus                      `gorm:"not null;default:0;index" json:"internal_status"`
	Options      datatypes.JSONType[ExportOptions] `json:"options"`
	Query        string                            `gorm:"type:text" json:"query,omitempty"`
	ErrorMessage string                            `gorm:"size:500" json:"error_message,omitempty"`
	CreatedOn    time.Time                         `gorm:"autoCreateTime;index" json:"created_on"`

	XForm XForm `gorm:"foreignKey:XFormID" json:"-"`
}
