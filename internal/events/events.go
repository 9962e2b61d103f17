// Package events is a small in-process callback registry. Application
// layers publish lifecycle notifications here; UI or CLI layers subscribe
// without the service packages knowing about them.
package events

import "sync"

// UploadProgress describes the state of one record inside a queue drain.
type UploadProgress struct {
	InstanceID string
	// Status is "ongoing", "success" or "error".
	Status string
	// Index is the 1-based position of the record in the drain.
	Index int
	Total int
}

const (
	StatusOngoing = "ongoing"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Bus fans events out to registered handlers. Handlers run synchronously
// on the publishing goroutine and must not block.
type Bus struct {
	mu sync.RWMutex

	recordSaved  []func(instanceID string)
	queueChanged []func()
	formUpdated  []func(formID string)
	progress     []func(p UploadProgress)
	onlineStatus []func(online bool)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) OnRecordSaved(fn func(instanceID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordSaved = append(b.recordSaved, fn)
}

func (b *Bus) OnQueueChanged(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueChanged = append(b.queueChanged, fn)
}

func (b *Bus) OnFormUpdated(fn func(formID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.formUpdated = append(b.formUpdated, fn)
}

func (b *Bus) OnUploadProgress(fn func(p UploadProgress)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, fn)
}

func (b *Bus) OnOnlineStatus(fn func(online bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onlineStatus = append(b.onlineStatus, fn)
}

func (b *Bus) RecordSaved(instanceID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.recordSaved {
		fn(instanceID)
	}
}

func (b *Bus) QueueChanged() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.queueChanged {
		fn()
	}
}

func (b *Bus) FormUpdated(formID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.formUpdated {
		fn(formID)
	}
}

func (b *Bus) Progress(p UploadProgress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.progress {
		fn(p)
	}
}

func (b *Bus) OnlineStatus(online bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.onlineStatus {
		fn(online)
	}
}
