package tracker

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Parser turns one query response into issues. Parsers never fail: a
// malformed document yields an empty slice.
type Parser func(raw []byte) []Issue

const (
	FormatXML  = "xml"
	FormatJSON = "json"
)

// ParserFor returns the parser for a response format ("xml" when empty).
func ParserFor(format string) Parser {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return ParseJSON
	default:
		return ParseXML
	}
}

type namedRef struct {
	Name string `xml:"name,attr" json:"name"`
}

type xmlIssues struct {
	XMLName xml.Name   `xml:"issues"`
	Issues  []xmlIssue `xml:"issue"`
}

type xmlIssue struct {
	ID        string   `xml:"id"`
	Subject   string   `xml:"subject"`
	UpdatedOn string   `xml:"updated_on"`
	Project   namedRef `xml:"project"`
	Status    namedRef `xml:"status"`
	Author    namedRef `xml:"author"`
}

// ParseXML reads a Redmine <issues> document.
// Entries without a positive id or a parsable updated_on are skipped.
func ParseXML(raw []byte) []Issue {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []Issue{}
	}
	var doc xmlIssues
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return []Issue{}
	}

	out := make([]Issue, 0, len(doc.Issues))
	for _, e := range doc.Issues {
		id, ok := parseID(e.ID)
		if !ok {
			continue
		}
		ts, err := ParseTimestamp(e.UpdatedOn)
		if err != nil {
			continue
		}
		out = append(out, Issue{
			ID:        id,
			Subject:   strings.TrimSpace(e.Subject),
			UpdatedAt: ts,
			Project:   e.Project.Name,
			Status:    e.Status.Name,
			Author:    e.Author.Name,
		})
	}
	return out
}

type jsonIssues struct {
	Issues []json.RawMessage `json:"issues"`
}

type jsonIssue struct {
	ID        int      `json:"id"`
	Subject   string   `json:"subject"`
	UpdatedOn string   `json:"updated_on"`
	Project   namedRef `json:"project"`
	Status    namedRef `json:"status"`
	Author    namedRef `json:"author"`
}

// ParseJSON reads a Redmine {"issues":[...]} document.
// Each entry is decoded on its own so one bad entry does not sink the rest.
func ParseJSON(raw []byte) []Issue {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []Issue{}
	}
	var doc jsonIssues
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []Issue{}
	}

	out := make([]Issue, 0, len(doc.Issues))
	for _, rm := range doc.Issues {
		var e jsonIssue
		if err := json.Unmarshal(rm, &e); err != nil {
			continue
		}
		if e.ID <= 0 {
			continue
		}
		ts, err := ParseTimestamp(e.UpdatedOn)
		if err != nil {
			continue
		}
		out = append(out, Issue{
			ID:        e.ID,
			Subject:   strings.TrimSpace(e.Subject),
			UpdatedAt: ts,
			Project:   e.Project.Name,
			Status:    e.Status.Name,
			Author:    e.Author.Name,
		})
	}
	return out
}

func parseID(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
