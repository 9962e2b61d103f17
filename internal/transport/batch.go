package transport

import (
	"encoding/xml"
	"strings"

	"github.com/fieldsync/fieldsync/internal/models"
)

// Batch is one size-bounded slice of a submission: the record's XML plus a
// subset of its attachments. All batches of a record share the same XML
// and correlation ids.
type Batch struct {
	InstanceID   string
	DeprecatedID string
	XML          string
	Files        []models.FileRef

	// Index is 0-based; Total is the batch count for the record.
	Index int
	Total int
}

// PrepareBatches builds the upload batches for a record. File references
// are extracted from the XML, resolved against the record's attachment set
// and first-fit packed under maxSize. A referenced file without binary
// content is reported in failedFiles and skipped; the XML keeps the
// textual reference so the rest of the submission still goes through. A
// single file at or over the ceiling is emitted alone in its own batch.
func PrepareBatches(record *models.Record, maxSize int64) ([]Batch, []string) {
	referenced := fileReferences(record.XML)

	available := make(map[string]models.FileRef, len(record.Files))
	for _, f := range record.Files {
		if f.Materialized() {
			available[f.Name] = f
		}
	}

	var resolved []models.FileRef
	var failed []string
	for _, name := range referenced {
		f, ok := available[name]
		if !ok {
			failed = append(failed, name)
			continue
		}
		resolved = append(resolved, f)
	}

	groups := packFiles(resolved, maxSize)

	batches := make([]Batch, 0, max(len(groups), 1))
	if len(groups) == 0 {
		groups = [][]models.FileRef{nil}
	}
	for i, files := range groups {
		batches = append(batches, Batch{
			InstanceID:   record.InstanceID,
			DeprecatedID: record.DeprecatedID,
			XML:          record.XML,
			Files:        files,
			Index:        i,
			Total:        len(groups),
		})
	}
	return batches, failed
}

// fileReferences returns, in document order, the text content of every
// XML element carrying a type="file" attribute. Empty references are
// ignored.
func fileReferences(xmlStr string) []string {
	var names []string
	dec := xml.NewDecoder(strings.NewReader(xmlStr))

	var depth int
	var fileDepth int
	var buf strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if fileDepth == 0 && isFileElement(t) {
				fileDepth = depth
				buf.Reset()
			}
		case xml.CharData:
			if fileDepth != 0 {
				buf.Write(t)
			}
		case xml.EndElement:
			if fileDepth == depth {
				if name := strings.TrimSpace(buf.String()); name != "" {
					names = append(names, name)
				}
				fileDepth = 0
			}
			depth--
		}
	}
	return names
}

func isFileElement(el xml.StartElement) bool {
	for _, attr := range el.Attr {
		if attr.Name.Local == "type" && attr.Value == "file" {
			return true
		}
	}
	return false
}

// packFiles first-fit packs files into groups whose total size stays under
// maxSize: start a group with the next unassigned file, then keep adding
// later unassigned files while the running total stays under the ceiling.
// Order within a group follows the original file order.
func packFiles(files []models.FileRef, maxSize int64) [][]models.FileRef {
	var groups [][]models.FileRef
	assigned := make([]bool, len(files))

	for i := range files {
		if assigned[i] {
			continue
		}
		group := []models.FileRef{files[i]}
		assigned[i] = true
		total := files[i].Size()

		for j := i + 1; j < len(files); j++ {
			if assigned[j] {
				continue
			}
			if total+files[j].Size() < maxSize {
				group = append(group, files[j])
				assigned[j] = true
				total += files[j].Size()
			}
		}
		groups = append(groups, group)
	}
	return groups
}
