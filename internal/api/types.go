package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/provider-slot-booking/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID  string `json:"patient_id" validate:"required,uuid"`
	ProviderID string `json:"provider_id" validate:"required,uuid"`
	SlotID     string `json:"slot_id" validate:"required,uuid"`
}

type CancelAppointmentRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=scheduled pending confirmed completed cancelled"`
}

type PublishSlotRequest struct {
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" validate:"required"`
	Capacity  int    `json:"capacity" validate:"gte=0"`
}

type AppointmentResponse struct {
	ID         uuid.UUID `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	ProviderID uuid.UUID `json:"provider_id"`
	SlotID     uuid.UUID `json:"slot_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		PatientID:  a.PatientID,
		ProviderID: a.ProviderID,
		SlotID:     a.SlotID,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

type AppointmentDetailResponse struct {
	AppointmentResponse
	Date               string  `json:"date"`
	Time               string  `json:"time"`
	ProviderName       *string `json:"provider_name"`
	ProviderDepartment *string `json:"provider_department"`
	PatientName        *string `json:"patient_name"`
	PatientPhone       string  `json:"patient_phone,omitempty"`
}

func toDetailResponses(list []appointment.AppointmentDetail, withPatient bool) []AppointmentDetailResponse {
	out := make([]AppointmentDetailResponse, 0, len(list))
	for i := range list {
		d := &list[i]
		resp := AppointmentDetailResponse{
			AppointmentResponse: toAppointmentResponse(&d.Appointment),
			Date:                d.Date.Format(appointment.DateLayout),
			Time:                d.TimeLabel(),
			ProviderName:        d.ProviderName,
			ProviderDepartment:  d.ProviderDepartment,
		}
		if withPatient {
			resp.PatientName = d.PatientName
			resp.PatientPhone = d.PatientPhone
		}
		out = append(out, resp)
	}
	return out
}

type SlotResponse struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	Date        string    `json:"date"`
	Half        string    `json:"half"`
	StartTime   string    `json:"start_time"`
	EndTime     string    `json:"end_time"`
	Capacity    int       `json:"capacity"`
	BookedCount int       `json:"booked_count"`
	Remaining   int       `json:"remaining"`
	Status      string    `json:"status"`
}

func toSlotResponse(s *appointment.Slot) SlotResponse {
	return SlotResponse{
		ID:          s.ID,
		ProviderID:  s.ProviderID,
		Date:        s.Date.Format(appointment.DateLayout),
		Half:        string(s.Half),
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		Capacity:    s.Capacity,
		BookedCount: s.BookedCount,
		Remaining:   s.Remaining(),
		Status:      string(s.Status),
	}
}

func toSlotResponses(slots []appointment.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for i := range slots {
		out = append(out, toSlotResponse(&slots[i]))
	}
	return out
}

type ProviderResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          *string   `json:"name"`
	Department    *string   `json:"department"`
	Title         *string   `json:"title"`
	OpenSlotCount int       `json:"open_slot_count"`
	FullyBooked   bool      `json:"fully_booked"`
}

type DayAggregateResponse struct {
	ProviderID    uuid.UUID `json:"provider_id"`
	Date          string    `json:"date"`
	AMCapacity    int       `json:"am_capacity"`
	AMBookedCount int       `json:"am_booked_count"`
	PMCapacity    int       `json:"pm_capacity"`
	PMBookedCount int       `json:"pm_booked_count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
