package api

import (
	"context"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/appointment"
)

// BookingService is the part of appointment.Service the HTTP layer drives.
type BookingService interface {
	CreateAppointment(ctx context.Context, patientID, providerID, slotID uuid.UUID) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID, actorID uuid.UUID) (*appointment.Appointment, error)
	UpdateStatus(ctx context.Context, appointmentID uuid.UUID, to appointment.AppointmentStatus) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)

	PublishSlot(ctx context.Context, providerID uuid.UUID, date time.Time, startTime string, capacity int) (*appointment.Slot, error)
	CloseSlot(ctx context.Context, providerID, slotID uuid.UUID) (*appointment.Slot, error)
	DeleteSlot(ctx context.Context, providerID, slotID uuid.UUID) error
	ListOpen(ctx context.Context, providerID uuid.UUID, from, to time.Time) iter.Seq2[appointment.Slot, error]
	ProviderSchedule(ctx context.Context, providerID uuid.UUID) ([]appointment.Slot, error)

	AvailableProviders(ctx context.Context) ([]appointment.ProviderAvailability, error)
	ProviderSlots(ctx context.Context, providerID uuid.UUID, date *time.Time) ([]appointment.Slot, error)
	PatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.AppointmentDetail, error)
	ProviderAppointments(ctx context.Context, providerID uuid.UUID, from, to *time.Time) ([]appointment.AppointmentDetail, error)
	DayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*appointment.DayAggregate, error)
}

type handlers struct {
	svc BookingService
	log *zap.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.CreateAppointment(r.Context(),
		uuid.MustParse(req.PatientID), uuid.MustParse(req.ProviderID), uuid.MustParse(req.SlotID))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req CancelAppointmentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), id, uuid.MustParse(req.PatientID))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	appt, err := h.svc.UpdateStatus(r.Context(), id, appointment.AppointmentStatus(req.Status))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) myAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patientID, err := uuid.Parse(q.Get("patient_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	list, err := h.svc.PatientAppointments(r.Context(), patientID, limit, offset)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetailResponses(list, false))
}

func (h *handlers) availableProviders(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.AvailableProviders(r.Context())
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	out := make([]ProviderResponse, 0, len(list))
	for _, p := range list {
		out = append(out, ProviderResponse{
			ID:            p.ProviderID,
			Name:          p.Name,
			Department:    p.Department,
			Title:         p.Title,
			OpenSlotCount: p.OpenSlotCount,
			FullyBooked:   p.FullyBooked(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) providerSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	date, ok := queryDate(w, r, "date")
	if !ok {
		return
	}

	slots, err := h.svc.ProviderSlots(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

func (h *handlers) publishSlot(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req PublishSlotRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	date, err := appointment.ParseDate(req.Date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	slot, err := h.svc.PublishSlot(r.Context(), providerID, date, req.StartTime, req.Capacity)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSlotResponse(slot))
}

func (h *handlers) closeSlot(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	slotID, ok := pathUUID(w, r, "slot_id")
	if !ok {
		return
	}

	slot, err := h.svc.CloseSlot(r.Context(), providerID, slotID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponse(slot))
}

func (h *handlers) deleteSlot(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	slotID, ok := pathUUID(w, r, "slot_id")
	if !ok {
		return
	}

	if err := h.svc.DeleteSlot(r.Context(), providerID, slotID); err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) providerSchedule(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	slots, err := h.svc.ProviderSchedule(r.Context(), providerID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// openSlots streams the provider's open slots between from and to, both
// required, using the paged iterator.
func (h *handlers) openSlots(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	from, ok := queryDate(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryDate(w, r, "to")
	if !ok {
		return
	}
	if from == nil || to == nil {
		writeError(w, http.StatusBadRequest, "invalid_query", "from and to are required")
		return
	}

	out := []SlotResponse{}
	for s, err := range h.svc.ListOpen(r.Context(), providerID, *from, *to) {
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}
		out = append(out, toSlotResponse(&s))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) providerAppointments(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	from, ok := queryDate(w, r, "date_from")
	if !ok {
		return
	}
	to, ok := queryDate(w, r, "date_to")
	if !ok {
		return
	}

	list, err := h.svc.ProviderAppointments(r.Context(), providerID, from, to)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toDetailResponses(list, true))
}

func (h *handlers) dayAggregate(w http.ResponseWriter, r *http.Request) {
	providerID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	date, err := appointment.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	agg, err := h.svc.DayAggregate(r.Context(), providerID, date)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, DayAggregateResponse{
		ProviderID:    agg.ProviderID,
		Date:          agg.Date.Format(appointment.DateLayout),
		AMCapacity:    agg.AMCapacity,
		AMBookedCount: agg.AMBookedCount,
		PMCapacity:    agg.PMCapacity,
		PMBookedCount: agg.PMBookedCount,
	})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryDate returns nil when the parameter is absent.
func queryDate(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	d, err := appointment.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, appointment.CodeOf(err), name+" must be formatted as YYYY-MM-DD")
		return nil, false
	}
	return &d, true
}

// queryInt returns 0 when the parameter is absent.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
