package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/livinlefevreloca/statsync/internal/catalog"
)

var (
	errEmptyArtifact  = errors.New("empty artifact")
	errNoXMLDocument  = errors.New("no line starts an XML document")
	errUnknownFormat  = errors.New("unknown artifact format")
	errNotJSONObjects = errors.New("expected a JSON array or object")
)

// RawRecord is one normalized data row.
type RawRecord struct {
	OrgID    string
	TblID    string
	TblNm    string
	C1       string
	C2       string
	C3       string
	C4       string
	C1ObjNm  string
	C2ObjNm  string
	C3ObjNm  string
	C4ObjNm  string
	C1Nm     string
	C2Nm     string
	C3Nm     string
	C4Nm     string
	ItmID    string
	ItmNm    string
	UnitNm   string
	PrdSe    string
	PrdDe    string
	Dt       string
	LstChnDe string
}

// MetadataEntry is one dictionary row of the metadata artifact.
type MetadataEntry struct {
	ObjID   string  `xml:"objId"`
	ObjNm   string  `xml:"objNm"`
	ItmID   string  `xml:"itmId"`
	ItmNm   string  `xml:"itmNm"`
	UpItmID string  `xml:"upItmId"`
	ObjIDSn *string `xml:"objIdSn"`
	UnitID  string  `xml:"unitId"`
	UnitNm  string  `xml:"unitNm"`
}

type latestRow struct {
	SendDe string `xml:"SendDe"`
}

// ParseLatest returns the greatest change date in the latest-change
// artifact, or nil when it lists none.
func ParseLatest(body []byte, format string) (*string, error) {
	var dates []string

	switch format {
	case catalog.FormatXML:
		rows, err := decodeMetaRows[latestRow](body)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			dates = append(dates, strings.TrimSpace(row.SendDe))
		}

	case catalog.FormatJSON:
		objects, err := decodeObjects(body)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			dates = append(dates, field(obj, "SEND_DE"))
		}

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFormat, format)
	}

	var latest string
	for _, d := range dates {
		if d > latest {
			latest = d
		}
	}
	if latest == "" {
		return nil, nil
	}
	return &latest, nil
}

// ParseRawRecords normalizes the data artifact. PRD_DE must be present and
// non-empty and DT must be present on every row.
func ParseRawRecords(body []byte, tableID string) ([]RawRecord, error) {
	objects, err := decodeObjects(body)
	if err != nil {
		return nil, err
	}

	records := make([]RawRecord, 0, len(objects))
	for i, obj := range objects {
		if field(obj, "PRD_DE") == "" {
			return nil, fmt.Errorf("row %d: missing PRD_DE", i)
		}
		if _, ok := obj["DT"]; !ok {
			return nil, fmt.Errorf("row %d: missing DT", i)
		}

		records = append(records, RawRecord{
			OrgID:    fallback(field(obj, "ORG_ID", "ORG_NM"), "0"),
			TblID:    fallback(field(obj, "TBL_ID", "TBL_NM"), tableID),
			TblNm:    field(obj, "TBL_NM"),
			C1:       field(obj, "C1"),
			C2:       field(obj, "C2"),
			C3:       field(obj, "C3"),
			C4:       field(obj, "C4"),
			C1ObjNm:  field(obj, "C1_OBJ_NM"),
			C2ObjNm:  field(obj, "C2_OBJ_NM"),
			C3ObjNm:  field(obj, "C3_OBJ_NM"),
			C4ObjNm:  field(obj, "C4_OBJ_NM"),
			C1Nm:     field(obj, "C1_NM"),
			C2Nm:     field(obj, "C2_NM"),
			C3Nm:     field(obj, "C3_NM"),
			C4Nm:     field(obj, "C4_NM"),
			ItmID:    field(obj, "ITM_ID", "ITM_NM"),
			ItmNm:    field(obj, "ITM_NM"),
			UnitNm:   field(obj, "UNIT_NM"),
			PrdSe:    field(obj, "PRD_SE"),
			PrdDe:    field(obj, "PRD_DE"),
			Dt:       field(obj, "DT"),
			LstChnDe: field(obj, "LST_CHN_DE"),
		})
	}

	return records, nil
}

// ParseMetadata decodes the metadata artifact. XML documents may be preceded
// by preamble lines; JSON documents use the upper-snake field names.
func ParseMetadata(body []byte, format string) ([]MetadataEntry, error) {
	switch format {
	case catalog.FormatXML:
		entries, err := decodeMetaRows[MetadataEntry](body)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i].ObjIDSn = optional(entries[i].ObjIDSn)
		}
		return entries, nil

	case catalog.FormatJSON:
		objects, err := decodeObjects(body)
		if err != nil {
			return nil, err
		}
		entries := make([]MetadataEntry, 0, len(objects))
		for _, obj := range objects {
			sn := field(obj, "OBJ_ID_SN")
			entries = append(entries, MetadataEntry{
				ObjID:   field(obj, "OBJ_ID"),
				ObjNm:   field(obj, "OBJ_NM"),
				ItmID:   field(obj, "ITM_ID"),
				ItmNm:   field(obj, "ITM_NM"),
				UpItmID: field(obj, "UP_ITM_ID"),
				ObjIDSn: optional(&sn),
				UnitID:  field(obj, "UNIT_ID"),
				UnitNm:  field(obj, "UNIT_NM"),
			})
		}
		return entries, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFormat, format)
	}
}

// skipPreamble drops every line before the first one starting with '<'.
func skipPreamble(body []byte) ([]byte, error) {
	offset := 0
	reader := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := reader.ReadBytes('\n')
		if strings.HasPrefix(strings.TrimSpace(string(line)), "<") {
			return body[offset:], nil
		}
		offset += len(line)
		if err != nil {
			return nil, errNoXMLDocument
		}
	}
}

// decodeMetaRows decodes every MetaRow element, at any depth.
func decodeMetaRows[T any](body []byte) ([]T, error) {
	doc, err := skipPreamble(body)
	if err != nil {
		return nil, err
	}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	var rows []T
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "MetaRow" {
			continue
		}
		var row T
		if err := dec.DecodeElement(&row, &start); err != nil {
			return nil, fmt.Errorf("decode MetaRow: %w", err)
		}
		rows = append(rows, row)
	}
}

// decodeObjects accepts a JSON array of objects or a single object.
func decodeObjects(body []byte) ([]map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errEmptyArtifact
	}

	switch trimmed[0] {
	case '[':
		var objects []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &objects); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return objects, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return []map[string]json.RawMessage{obj}, nil
	default:
		return nil, errNotJSONObjects
	}
}

// field returns the first non-empty value among keys. Numbers keep their
// literal text.
func field(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		if v := text(obj[key]); v != "" {
			return v
		}
	}
	return ""
}

func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	return v
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func optional(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
