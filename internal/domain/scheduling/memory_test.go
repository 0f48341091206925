package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- in-memory repositories --

type memSlots struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*Slot
}

func newMemSlots() *memSlots { return &memSlots{slots: make(map[uuid.UUID]*Slot)} }

func (m *memSlots) add(s Slot) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.slots[s.ID] = &s
	return &s
}

func (m *memSlots) GetByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSlots) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return m.GetByID(ctx, id)
}

func (m *memSlots) FindByDoctorAndStart(_ context.Context, doctorID uuid.UUID, start time.Time) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.DoctorID == doctorID && s.StartTime.Equal(start) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSlotNotFound
}

func (m *memSlots) Book(_ context.Context, id uuid.UUID, now time.Time) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.IsBooked || !s.StartTime.After(now) {
		return nil, classifyBookFailure(s, now)
	}
	s.IsBooked = true
	cp := *s
	return &cp, nil
}

func (m *memSlots) Release(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if !s.IsBooked {
		return nil, ErrSlotNotBooked
	}
	s.IsBooked = false
	cp := *s
	return &cp, nil
}

func (m *memSlots) sorted(keep func(*Slot) bool) []Slot {
	var out []Slot
	for _, s := range m.slots {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *memSlots) ListForDoctor(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s *Slot) bool {
		return s.DoctorID == doctorID && !s.StartTime.Before(from) && s.StartTime.Before(to)
	}), nil
}

func (m *memSlots) FindFree(_ context.Context, start, end time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(s *Slot) bool {
		return !s.IsBooked && s.StartTime.Equal(start) && s.EndTime.Equal(end)
	}), nil
}

func (m *memSlots) ReplaceRange(_ context.Context, doctorID uuid.UUID, from, to time.Time, slots []Slot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.slots {
		if s.DoctorID == doctorID && !s.IsBooked && !s.StartTime.Before(from) && s.StartTime.Before(to) {
			delete(m.slots, id)
		}
	}
	inserted := 0
outer:
	for _, s := range slots {
		for _, existing := range m.slots {
			if existing.ID == s.ID || (existing.DoctorID == s.DoctorID && existing.StartTime.Equal(s.StartTime)) {
				continue outer
			}
		}
		cp := s
		m.slots[s.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (m *memSlots) DeleteStale(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.slots {
		if !s.IsBooked && s.EndTime.Before(before) {
			delete(m.slots, id)
			n++
		}
	}
	return n, nil
}

func (m *memSlots) Stats(_ context.Context, doctorID *uuid.UUID, now time.Time) (*SlotStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := SlotStats{DoctorID: doctorID}
	for _, s := range m.slots {
		if doctorID != nil && s.DoctorID != *doctorID {
			continue
		}
		future := s.StartTime.After(now)
		st.Total++
		if future {
			st.FutureTotal++
		}
		if s.IsBooked {
			st.Booked++
			if future {
				st.FutureBooked++
			}
		} else {
			st.Available++
			if future {
				st.FutureAvailable++
			}
		}
	}
	return &st, nil
}

type memAppointments struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Appointment
}

func newMemAppointments() *memAppointments {
	return &memAppointments{items: make(map[uuid.UUID]*Appointment)}
}

func (m *memAppointments) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAppointments) Update(_ context.Context, a *Appointment, from AppointmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if cur.Status != from {
		return ErrStaleAppointment
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (f ListFilter) matches(a *Appointment) bool {
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			found = found || s == a.Status
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.After != nil && !a.AppointmentDate.After(*f.After) {
		return false
	}
	if f.Before != nil && !a.AppointmentDate.Before(*f.Before) {
		return false
	}
	if f.Search != "" {
		term := strings.ToLower(f.Search)
		hay := strings.ToLower(a.Reason + " " + a.DoctorName + " " + a.PatientName)
		if !strings.Contains(hay, term) {
			return false
		}
	}
	return true
}

func (m *memAppointments) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.items {
		if f.matches(a) {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if f.Descending {
			return all[i].AppointmentDate.After(all[j].AppointmentDate)
		}
		return all[i].AppointmentDate.Before(all[j].AppointmentDate)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	return all[offset:min(offset+limit, total)], total, nil
}

func (m *memAppointments) CountByStatus(_ context.Context, f ListFilter) (map[AppointmentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[AppointmentStatus]int)
	for _, a := range m.items {
		if f.matches(a) {
			out[a.Status]++
		}
	}
	return out, nil
}

func (m *memAppointments) ActiveForSlot(_ context.Context, s *Slot) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, a := range m.items {
		if a.Status != StatusScheduled && a.Status != StatusConfirmed {
			continue
		}
		bySlot := a.SlotID != nil && *a.SlotID == s.ID
		byStart := a.SlotID == nil && a.DoctorID == s.DoctorID && a.AppointmentDate.Equal(s.StartTime)
		if bySlot || byStart {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// directTx runs fn without isolation; the memory repositories serialize
// their own writes.
type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
