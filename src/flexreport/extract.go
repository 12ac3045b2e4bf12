// Package flexreport parses Flex statement documents into flat,
// deterministic rows and validates section-level contracts before any
// persistence happens.
package flexreport

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/username/flexledger/backend/src/models"
)

// rowRefPriorityKeys are tried in order when deriving a stable row
// reference from row attributes. Matching is exact (attribute names differ
// in casing between sections).
var rowRefPriorityKeys = []string{
	"transactionID", "transactionId",
	"tradeID", "tradeId",
	"actionID", "actionId",
	"ibExecID", "ibExecId",
	"execID", "execId",
	"id",
}

// Row is one flattened statement row. Attrs carry the row's own attributes
// merged over its ancestors' (the row's own values win).
type Row struct {
	Section      string
	Tag          string
	SourceRowRef string
	Attrs        map[string]string
}

// Statement is one FlexStatement node: its own attributes plus all rows
// extracted from its sections, in document order.
type Statement struct {
	Attrs map[string]string
	Rows  []Row
}

// Report is a fully parsed statement document.
type Report struct {
	Statements []Statement
}

type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

// Parse decodes a statement payload and extracts every section row.
// It enforces the FlexStatements count contract: when the optional `count`
// attribute is present it must be a non-negative integer equal to the number
// of FlexStatement nodes actually parsed.
func Parse(payload []byte) (*Report, error) {
	var root xmlNode
	if err := xml.Unmarshal(payload, &root); err != nil {
		return nil, models.NewContractViolation("statement payload is not valid XML: %v", err)
	}

	statementsNode := findStatementsNode(&root)
	if statementsNode == nil {
		return nil, models.NewContractViolation("statement payload has no FlexStatements element (root=%s)", root.XMLName.Local)
	}

	var statementNodes []*xmlNode
	for i := range statementsNode.Children {
		if statementsNode.Children[i].XMLName.Local == "FlexStatement" {
			statementNodes = append(statementNodes, &statementsNode.Children[i])
		}
	}

	if declared, ok := attrValue(statementsNode, "count"); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(declared))
		if err != nil || parsed < 0 {
			return nil, models.NewContractViolation("FlexStatements count attribute %q is not a non-negative integer", declared)
		}
		if parsed != len(statementNodes) {
			return nil, models.NewContractViolation("FlexStatements count attribute is %d but %d FlexStatement nodes were parsed", parsed, len(statementNodes))
		}
	}

	report := &Report{}
	for _, node := range statementNodes {
		report.Statements = append(report.Statements, extractStatement(node))
	}
	return report, nil
}

func findStatementsNode(root *xmlNode) *xmlNode {
	if root.XMLName.Local == "FlexStatements" {
		return root
	}
	if root.XMLName.Local != "FlexQueryResponse" {
		return nil
	}
	for i := range root.Children {
		if root.Children[i].XMLName.Local == "FlexStatements" {
			return &root.Children[i]
		}
	}
	return nil
}

func extractStatement(node *xmlNode) Statement {
	statement := Statement{Attrs: attrMap(node)}

	sectionCounters := map[string]int{}
	for i := range node.Children {
		section := &node.Children[i]
		sectionName := section.XMLName.Local
		collectRows(sectionName, section, nil, sectionCounters, &statement.Rows)
	}
	return statement
}

// collectRows walks a section depth-first. Leaf nodes become rows carrying
// their own attributes merged over every ancestor's; interior nodes only
// contribute attributes.
func collectRows(section string, node *xmlNode, inherited map[string]string, counters map[string]int, rows *[]Row) {
	merged := mergeAttrs(inherited, node)
	if len(node.Children) == 0 {
		counters[section]++
		*rows = append(*rows, Row{
			Section:      section,
			Tag:          node.XMLName.Local,
			SourceRowRef: sourceRowRef(section, node.XMLName.Local, merged, counters[section]),
			Attrs:        merged,
		})
		return
	}
	for i := range node.Children {
		collectRows(section, &node.Children[i], merged, counters, rows)
	}
}

// sourceRowRef derives the deterministic row reference: the first priority
// key with a non-blank value, else the 1-based position within the section.
func sourceRowRef(section, tag string, attrs map[string]string, index int) string {
	for _, key := range rowRefPriorityKeys {
		if value, ok := attrs[key]; ok && strings.TrimSpace(value) != "" {
			return section + ":" + tag + ":" + key + "=" + strings.TrimSpace(value)
		}
	}
	return section + ":" + tag + ":idx=" + strconv.Itoa(index)
}

func attrMap(node *xmlNode) map[string]string {
	attrs := make(map[string]string, len(node.Attrs))
	for _, attr := range node.Attrs {
		attrs[attr.Name.Local] = attr.Value
	}
	return attrs
}

func mergeAttrs(inherited map[string]string, node *xmlNode) map[string]string {
	merged := make(map[string]string, len(inherited)+len(node.Attrs))
	for key, value := range inherited {
		merged[key] = value
	}
	for _, attr := range node.Attrs {
		merged[attr.Name.Local] = attr.Value
	}
	return merged
}

func attrValue(node *xmlNode, name string) (string, bool) {
	for _, attr := range node.Attrs {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}

// ReportDate resolves the statement-level report date from the first
// statement's reportDate attribute, falling back to toDate. Returns
// canonical YYYY-MM-DD text.
func (r *Report) ReportDate() (string, bool) {
	if len(r.Statements) == 0 {
		return "", false
	}
	attrs := r.Statements[0].Attrs
	for _, key := range []string{"reportDate", "toDate"} {
		raw := strings.TrimSpace(attrs[key])
		if raw == "" {
			continue
		}
		for _, layout := range []string{"2006-01-02", "20060102"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}

// DetectedSections returns the sorted set of section names seen across all
// statements.
func (r *Report) DetectedSections() []string {
	seen := map[string]bool{}
	for _, statement := range r.Statements {
		for _, row := range statement.Rows {
			seen[row.Section] = true
		}
	}
	return sortedKeys(seen)
}
