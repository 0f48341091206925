package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory ledger for tests and single-process tooling.
// It follows the same supersede and claim rules as the Postgres repository.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	order   []uuid.UUID
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[uuid.UUID]*Entry),
		now:     time.Now,
	}
}

func (m *MemoryLedger) Schedule(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := m.now()
	for _, existing := range m.entries {
		if existing.AppointmentID == e.AppointmentID && existing.Type == e.Type && existing.Status == StatusPending {
			existing.Status = StatusCancelled
			existing.UpdatedAt = now
		}
	}
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	m.entries[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *MemoryLedger) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.Status != StatusPending || e.ScheduledFor.After(now) {
			continue
		}
		if e.ClaimedAt != nil && !e.ClaimedAt.Before(staleBefore) {
			continue
		}
		due = append(due, e)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Entry, 0, len(due))
	for _, e := range due {
		claimed := now
		e.ClaimedAt = &claimed
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryLedger) Renew(_ context.Context, id uuid.UUID, claimedAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != StatusPending || e.ClaimedAt == nil || !e.ClaimedAt.Equal(claimedAt) {
		return ErrClaimLost
	}
	e.ClaimedAt = &now
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) finish(id uuid.UUID, fn func(e *Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.Status != StatusPending {
		return ErrEntryNotPending
	}
	fn(e)
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedger) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.finish(id, func(e *Entry) {
		e.Status = StatusSent
		e.SentAt = &at
	})
}

func (m *MemoryLedger) MarkSuppressed(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.finish(id, func(e *Entry) {
		e.Status = StatusSent
		e.Suppressed = true
		e.SentAt = &at
	})
}

func (m *MemoryLedger) MarkFailed(_ context.Context, id uuid.UUID, msg string) error {
	return m.finish(id, func(e *Entry) {
		e.Status = StatusFailed
		e.ErrorMessage = &msg
		e.RetryCount++
	})
}

func (m *MemoryLedger) CancelForAppointment(_ context.Context, appointmentID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.AppointmentID == appointmentID && e.Status == StatusPending {
			e.Status = StatusCancelled
			e.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryLedger) ListForPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Entry
	for i := len(m.order) - 1; i >= 0; i-- {
		if e := m.entries[m.order[i]]; e.PatientID == patientID {
			all = append(all, *e)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *MemoryLedger) Requeue(_ context.Context, id uuid.UUID, at time.Time, maxRetries int) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != StatusFailed || e.RetryCount >= maxRetries {
		return nil, classifyRequeue(e, maxRetries)
	}
	for _, other := range m.entries {
		if other.ID != e.ID && other.AppointmentID == e.AppointmentID && other.Type == e.Type && other.Status == StatusPending {
			return nil, ErrDuplicatePending
		}
	}
	e.Status = StatusPending
	e.ScheduledFor = at
	e.ClaimedAt = nil
	e.ErrorMessage = nil
	e.UpdatedAt = m.now()
	cp := *e
	return &cp, nil
}

func (m *MemoryLedger) Stats(_ context.Context) (*LedgerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st LedgerStats
	for _, e := range m.entries {
		st.Total++
		switch {
		case e.Suppressed:
			st.Suppressed++
		case e.Status == StatusPending:
			st.Pending++
		case e.Status == StatusSent:
			st.Sent++
		case e.Status == StatusFailed:
			st.Failed++
		case e.Status == StatusCancelled:
			st.Cancelled++
		}
	}
	return &st, nil
}

// Entries returns a snapshot of the ledger in insertion order.
func (m *MemoryLedger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

// MemorySettings is the in-memory counterpart of the settings table.
type MemorySettings struct {
	mu       sync.Mutex
	settings map[uuid.UUID]Setting
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{settings: make(map[uuid.UUID]Setting)}
}

func (m *MemorySettings) Get(_ context.Context, patientID uuid.UUID) (*Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[patientID]
	if !ok {
		return nil, ErrSettingNotFound
	}
	return &s, nil
}

func (m *MemorySettings) GetOrCreate(_ context.Context, patientID uuid.UUID) (*Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[patientID]
	if !ok {
		s = DefaultSetting(patientID)
		s.CreatedAt = time.Now()
		s.UpdatedAt = s.CreatedAt
		m.settings[patientID] = s
	}
	return &s, nil
}

func (m *MemorySettings) Save(_ context.Context, s *Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[s.PatientID]; !ok {
		return ErrSettingNotFound
	}
	s.UpdatedAt = time.Now()
	m.settings[s.PatientID] = *s
	return nil
}
