// Package models defines the client-side data model: cached surveys and
// their media resources, records and their file attachments, and the
// last-saved snapshot.
package models

// Survey is a cached form definition. It is created on first fetch,
// replaced wholesale on hash mismatch and removed when the collector
// reports the form gone.
type Survey struct {
	// FormID is the opaque form identifier, the storage key.
	FormID string

	// Title is the human-readable form title, used for default record names.
	Title string

	// Form holds the rendered form markup.
	Form string

	// Model holds the XML model.
	Model string

	// Hash is the content hash used for staleness detection.
	Hash string

	// Version is the optional form version reported by the collector.
	Version string

	// Theme is optional branding.
	Theme string

	// Resources lists the URLs of media resources belonging to the form.
	// A nil slice means media has not been loaded yet and will be rebuilt
	// lazily on next load.
	Resources []string

	// MaxSize is the maximum submission size in bytes, zero when unknown.
	MaxSize int64

	// EncryptionKey is the form's RSA public key (base64 modulus as
	// embedded in the form definition, without PEM guards). Empty when
	// the form is not encrypted.
	EncryptionKey string
}

// Incomplete reports whether required survey fields are missing.
func (s *Survey) Incomplete() bool {
	return s.FormID == "" || s.Form == "" || s.Model == "" || s.Hash == ""
}

// Resource is a named binary media asset keyed by (FormID, URL).
type Resource struct {
	URL  string
	Item []byte
}
