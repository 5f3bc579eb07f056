package events

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse unmarshals an inbound payload into dst and validates it against
// the struct's schema tags. A failure here must produce exactly one error
// ack and no side effects.
func Parse(raw json.RawMessage, dst any) *Error {
	if len(raw) == 0 {
		return NewError(CodeValidation, "payload is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewError(CodeValidation, "malformed payload: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return NewError(CodeValidation, "validation failed: "+err.Error())
	}
	return nil
}

// UserStatus announces presence for all sessions of the user.
type UserStatus struct {
	Status   string         `json:"status" validate:"required,oneof=online away busy offline"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DispatchSubscribe joins the room for one dispatch.
type DispatchSubscribe struct {
	DespachoID int64 `json:"despachoId" validate:"required,gt=0"`
}

// DispatchCreate originates a new dispatch through the upstream service.
type DispatchCreate struct {
	OrigenLat   float64 `json:"ubicacion_origen_lat" validate:"gte=-90,lte=90"`
	OrigenLng   float64 `json:"ubicacion_origen_lng" validate:"gte=-180,lte=180"`
	Incidente   string  `json:"incidente" validate:"required,oneof=accidente emergencia_medica traslado otro"`
	Prioridad   string  `json:"prioridad" validate:"required,oneof=baja media alta critica"`
	Descripcion string  `json:"descripcion,omitempty" validate:"omitempty,max=500"`
}

// DispatchStatusUpdate moves a dispatch through its state machine.
type DispatchStatusUpdate struct {
	DespachoID int64  `json:"despachoId" validate:"required,gt=0"`
	Estado     string `json:"estado" validate:"required,oneof=pendiente asignado en_camino en_sitio trasladando completado cancelado"`
}

// LocationUpdate appends a GPS tracking point to a dispatch.
type LocationUpdate struct {
	DespachoID int64    `json:"despachoId" validate:"required,gt=0"`
	Latitud    float64  `json:"latitud" validate:"gte=-90,lte=90"`
	Longitud   float64  `json:"longitud" validate:"gte=-180,lte=180"`
	Velocidad  *float64 `json:"velocidad,omitempty" validate:"omitempty,gte=0"`
	Altitud    *float64 `json:"altitud,omitempty"`
	Precision  *float64 `json:"precision,omitempty" validate:"omitempty,gte=0"`
}

// AmbulanciaSubscribe joins the room for one ambulance.
type AmbulanciaSubscribe struct {
	AmbulanciaID int64 `json:"ambulanciaId" validate:"required,gt=0"`
}

// EventHistoryRequest asks for the recent events of one type, newest
// first. Limit defaults server-side when omitted.
type EventHistoryRequest struct {
	EventType string `json:"eventType" validate:"required"`
	Limit     int64  `json:"limit,omitempty" validate:"omitempty,gt=0,lte=100"`
}
