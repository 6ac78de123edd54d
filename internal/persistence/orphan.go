package persistence

import (
	"os"
	"path/filepath"
	"sync"

	"bitbank-trader/internal/domain"
)

// OrphanSLLog persists stop-loss orders whose cancellation failed when their
// position was closed, so TPSLManager.SweepOrphans can retry the cancel on
// each maintenance pass; there is no separate sweep at process start. JSON + atomic
// rename per spec.md §9, same as DrawdownManager's state file.
type OrphanSLLog struct {
	mu   sync.Mutex
	path string

	records []domain.OrphanSLRecord
}

// NewOrphanSLLog loads any existing orphan_sl.json under stateDir.
func NewOrphanSLLog(stateDir string) (*OrphanSLLog, error) {
	l := &OrphanSLLog{path: filepath.Join(stateDir, "orphan_sl.json")}
	if err := ReadJSON(l.path, &l.records); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return l, nil
}

// Record appends a new orphan SL and persists immediately.
func (l *OrphanSLLog) Record(rec domain.OrphanSLRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return WriteJSONAtomic(l.path, l.records)
}

// Remove drops a record by SL order ID after it has been successfully
// cancelled, and persists the result.
func (l *OrphanSLLog) Remove(slOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.records[:0]
	for _, r := range l.records {
		if r.SLOrderID != slOrderID {
			out = append(out, r)
		}
	}
	l.records = out
	return WriteJSONAtomic(l.path, l.records)
}

// All returns a copy of the current orphan records.
func (l *OrphanSLLog) All() []domain.OrphanSLRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.OrphanSLRecord, len(l.records))
	copy(out, l.records)
	return out
}
