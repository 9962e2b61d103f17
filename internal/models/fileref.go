package models

// FileRef is a tagged reference to a record attachment. A named ref carries
// only the attachment name and means "the stored bytes are unchanged"; a
// materialized ref carries the bytes to write. The distinction is what lets
// an update leave untouched attachments alone instead of re-encoding them.
type FileRef struct {
	Name string

	// Data is nil for a name-only reference.
	Data []byte
}

// NamedFile returns a name-only reference to an already stored attachment.
func NamedFile(name string) FileRef {
	return FileRef{Name: name}
}

// MaterializedFile returns a reference carrying binary content. An empty
// payload is still materialized; use NamedFile for name-only refs.
func MaterializedFile(name string, data []byte) FileRef {
	if data == nil {
		data = []byte{}
	}
	return FileRef{Name: name, Data: data}
}

// Materialized reports whether the ref carries binary content.
func (f FileRef) Materialized() bool {
	return f.Data != nil
}

// Size returns the payload size in bytes, zero for name-only refs.
func (f FileRef) Size() int64 {
	return int64(len(f.Data))
}
