package models

import (
	"strings"
	"time"
)

const (
	// autoSavePrefix marks the single auto-saved record per form.
	autoSavePrefix = "__autoSave_"

	// lastSavedPrefix marks the single last-saved snapshot per form.
	lastSavedPrefix = "__lastSaved_"
)

// AutoSaveKey returns the reserved instance id of a form's autosave slot.
func AutoSaveKey(formID string) string {
	return autoSavePrefix + formID
}

// LastSavedKey returns the reserved instance id of a form's last-saved
// snapshot.
func LastSavedKey(formID string) string {
	return lastSavedPrefix + formID
}

// IsReservedInstanceID reports whether id addresses an autosave slot or a
// last-saved snapshot rather than a regular record.
func IsReservedInstanceID(id string) bool {
	return strings.HasPrefix(id, autoSavePrefix) || strings.HasPrefix(id, lastSavedPrefix)
}

// Record is the unit of a user's response to a form.
type Record struct {
	// InstanceID is globally unique and immutable.
	InstanceID string

	// DeprecatedID is the previous instance id when editing an already
	// submitted record, empty otherwise.
	DeprecatedID string

	// FormID identifies the form this record belongs to.
	FormID string

	// Name is unique within a form (for non-reserved records) and mutable.
	Name string

	// XML is the serialized response payload.
	XML string

	// Draft marks a record that must not be uploaded yet.
	Draft bool

	// Created and Updated are maintained by the store.
	Created time.Time
	Updated time.Time

	// Files is the ordered attachment list. Order is significant: the
	// encryption IV chain consumes files in exactly this order.
	Files []FileRef
}

// Incomplete reports whether required record fields are missing.
func (r *Record) Incomplete() bool {
	return r.InstanceID == "" || r.FormID == "" || r.Name == "" || r.XML == ""
}

// FileNames returns the ordered attachment name list.
func (r *Record) FileNames() []string {
	names := make([]string, len(r.Files))
	for i, f := range r.Files {
		names[i] = f.Name
	}
	return names
}

// LastSavedRecord is a single-slot-per-form copy of the most recently
// finalized record's XML, used to seed the "last saved" virtual data
// source on next load. Stale copies are replaced, never merged.
type LastSavedRecord struct {
	FormID     string
	InstanceID string
	Name       string
	XML        string
	Updated    time.Time
}
