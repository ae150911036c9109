package appointment

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/provider-slot-booking/internal/identity"
)

// MemoryRepository keeps everything in process memory. Transactions are
// serialized behind one lock and run against a copy of the state that
// replaces the live state only when fn succeeds.
type MemoryRepository struct {
	mu    sync.RWMutex
	state memoryState
}

var _ Repository = (*MemoryRepository)(nil)

type memoryState struct {
	users map[uuid.UUID]identity.User
	slots map[uuid.UUID]Slot
	days  map[DayKey]DayAggregate
	appts map[uuid.UUID]Appointment
}

func (s memoryState) clone() memoryState {
	return memoryState{
		users: maps.Clone(s.users),
		slots: maps.Clone(s.slots),
		days:  maps.Clone(s.days),
		appts: maps.Clone(s.appts),
	}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: memoryState{
		users: make(map[uuid.UUID]identity.User),
		slots: make(map[uuid.UUID]Slot),
		days:  make(map[DayKey]DayAggregate),
		appts: make(map[uuid.UUID]Appointment),
	}}
}

// PutUser inserts or replaces a user record.
func (r *MemoryRepository) PutUser(_ context.Context, u identity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.users[u.ID] = u
	return nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return ErrContention
	}

	tx := &memoryTx{state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

func (r *MemoryRepository) GetUser(_ context.Context, id uuid.UUID) (*identity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.state.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	return &u, nil
}

func (r *MemoryRepository) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.state.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) GetDayAggregate(_ context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.state.days[DayKey{ProviderID: providerID, Date: DateOf(date)}]
	if !ok {
		return nil, ErrDayNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) ListActiveProviders(_ context.Context) ([]identity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []identity.User
	for _, u := range r.state.users {
		if u.Role == identity.RoleProvider && u.IsActive() {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b identity.User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (r *MemoryRepository) CountOpenSlotsByProvider(_ context.Context, from, to time.Time) (map[uuid.UUID]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	from, to = DateOf(from), DateOf(to)
	counts := make(map[uuid.UUID]int)
	for _, s := range r.state.slots {
		if s.Bookable() && !s.Date.Before(from) && !s.Date.After(to) {
			counts[s.ProviderID]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) ListOpenSlots(_ context.Context, q OpenSlotQuery) ([]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	from, to := DateOf(q.From), DateOf(q.To)
	var out []Slot
	for _, s := range r.state.slots {
		if s.ProviderID != q.ProviderID || !s.Bookable() {
			continue
		}
		if s.Date.Before(from) || s.Date.After(to) {
			continue
		}
		if !slotAfter(s, q.After) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, compareSlots)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListProviderSlots(_ context.Context, providerID uuid.UUID) ([]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Slot{}
	for _, s := range r.state.slots {
		if s.ProviderID == providerID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Slot) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.StartTime, b.StartTime)
	})
	return out, nil
}

func (r *MemoryRepository) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Appointment
	for _, a := range r.state.appts {
		if a.PatientID == patientID {
			matched = append(matched, a)
		}
	}
	slices.SortFunc(matched, func(a, b Appointment) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	if offset >= len(matched) {
		return []AppointmentDetail{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return r.details(matched), nil
}

func (r *MemoryRepository) ListAppointmentsByProvider(_ context.Context, q ProviderAppointmentQuery) ([]AppointmentDetail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Appointment
	for _, a := range r.state.appts {
		if a.ProviderID != q.ProviderID {
			continue
		}
		slot, ok := r.state.slots[a.SlotID]
		if !ok {
			continue
		}
		if q.From != nil && slot.Date.Before(*q.From) {
			continue
		}
		if q.To != nil && !slot.Date.Before(*q.To) {
			continue
		}
		matched = append(matched, a)
	}

	out := r.details(matched)
	slices.SortFunc(out, func(a, b AppointmentDetail) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// details joins appointments with their slot and both users. Callers hold
// the read lock.
func (r *MemoryRepository) details(appts []Appointment) []AppointmentDetail {
	out := make([]AppointmentDetail, 0, len(appts))
	for _, a := range appts {
		slot, ok := r.state.slots[a.SlotID]
		if !ok {
			continue
		}
		d := AppointmentDetail{
			Appointment: a,
			Date:        slot.Date,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
		}
		if p, ok := r.state.users[a.ProviderID]; ok {
			d.ProviderName, d.ProviderDepartment, d.ProviderPhone = p.Name, p.Department, p.Phone
		}
		if p, ok := r.state.users[a.PatientID]; ok {
			d.PatientName, d.PatientPhone = p.Name, p.Phone
		}
		out = append(out, d)
	}
	return out
}

func (r *MemoryRepository) ListDriftedDays(_ context.Context) ([]DayKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type sums struct{ amCap, amBooked, pmCap, pmBooked int }
	derived := make(map[DayKey]sums)
	for _, s := range r.state.slots {
		k := DayKey{ProviderID: s.ProviderID, Date: s.Date}
		v := derived[k]
		if s.Half == HalfAM {
			v.amCap += s.Capacity
			v.amBooked += s.BookedCount
		} else {
			v.pmCap += s.Capacity
			v.pmBooked += s.BookedCount
		}
		derived[k] = v
	}

	keys := make(map[DayKey]struct{})
	for k, d := range r.state.days {
		v := derived[k]
		if d.AMCapacity != v.amCap || d.AMBookedCount != v.amBooked ||
			d.PMCapacity != v.pmCap || d.PMBookedCount != v.pmBooked {
			keys[k] = struct{}{}
		}
	}
	for k := range derived {
		if _, ok := r.state.days[k]; !ok {
			keys[k] = struct{}{}
		}
	}

	out := slices.Collect(maps.Keys(keys))
	slices.SortFunc(out, func(a, b DayKey) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ProviderID.String(), b.ProviderID.String())
	})
	return out, nil
}

func compareSlots(a, b Slot) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.String(), b.ID.String())
}

// memoryTx mutates a private copy of the repository state. The copy is
// already exclusive, so the Lock* methods are plain reads.
type memoryTx struct {
	state memoryState
}

func (t *memoryTx) LockSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	s, ok := t.state.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (t *memoryTx) LockSlotByWindow(_ context.Context, providerID uuid.UUID, date time.Time, half Half) (*Slot, error) {
	date = DateOf(date)
	for _, s := range t.state.slots {
		if s.ProviderID == providerID && s.Date.Equal(date) && s.Half == half {
			return &s, nil
		}
	}
	return nil, ErrSlotNotFound
}

func (t *memoryTx) InsertSlot(_ context.Context, s *Slot) error {
	for _, existing := range t.state.slots {
		if existing.ProviderID == s.ProviderID && existing.Date.Equal(s.Date) && existing.Half == s.Half {
			return fmt.Errorf("slot window %s/%s already exists", s.Date.Format(DateLayout), s.Half)
		}
	}
	t.state.slots[s.ID] = *s
	return nil
}

func (t *memoryTx) UpdateSlot(_ context.Context, s *Slot) error {
	if _, ok := t.state.slots[s.ID]; !ok {
		return ErrSlotNotFound
	}
	t.state.slots[s.ID] = *s
	return nil
}

func (t *memoryTx) DeleteSlot(_ context.Context, id uuid.UUID) error {
	if _, ok := t.state.slots[id]; !ok {
		return ErrSlotNotFound
	}
	delete(t.state.slots, id)
	for aid, a := range t.state.appts {
		if a.SlotID == id {
			delete(t.state.appts, aid)
		}
	}
	return nil
}

func (t *memoryTx) SumSlots(_ context.Context, providerID uuid.UUID, date time.Time, half Half) (int, int, error) {
	date = DateOf(date)
	var capacity, booked int
	for _, s := range t.state.slots {
		if s.ProviderID == providerID && s.Date.Equal(date) && s.Half == half {
			capacity += s.Capacity
			booked += s.BookedCount
		}
	}
	return capacity, booked, nil
}

func (t *memoryTx) LockAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.state.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memoryTx) FindActiveAppointment(_ context.Context, patientID, slotID uuid.UUID) (*Appointment, error) {
	for _, a := range t.state.appts {
		if a.PatientID == patientID && a.SlotID == slotID && a.Status.Active() {
			return &a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (t *memoryTx) CountActiveAppointments(_ context.Context, slotID uuid.UUID) (int, error) {
	n := 0
	for _, a := range t.state.appts {
		if a.SlotID == slotID && a.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if _, err := t.FindActiveAppointment(ctx, a.PatientID, a.SlotID); err == nil {
		return fmt.Errorf("patient %s already holds slot %s", a.PatientID, a.SlotID)
	}
	t.state.appts[a.ID] = *a
	return nil
}

func (t *memoryTx) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, status AppointmentStatus) error {
	a, ok := t.state.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	t.state.appts[id] = a
	return nil
}

func (t *memoryTx) LockDayAggregate(_ context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	k := DayKey{ProviderID: providerID, Date: DateOf(date)}
	d, ok := t.state.days[k]
	if !ok {
		now := time.Now().UTC()
		d = DayAggregate{ProviderID: providerID, Date: k.Date, CreatedAt: now, UpdatedAt: now}
		t.state.days[k] = d
	}
	return &d, nil
}

func (t *memoryTx) SaveDayAggregate(_ context.Context, d *DayAggregate) error {
	k := DayKey{ProviderID: d.ProviderID, Date: DateOf(d.Date)}
	d.UpdatedAt = time.Now().UTC()
	t.state.days[k] = *d
	return nil
}
