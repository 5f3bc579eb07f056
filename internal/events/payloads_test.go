package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocationUpdate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid",
			raw:  `{"despachoId":42,"latitud":40.0,"longitud":-74.0}`,
		},
		{
			name: "valid with optional fields",
			raw:  `{"despachoId":42,"latitud":-12.5,"longitud":101.2,"velocidad":60.5,"altitud":120,"precision":4.2}`,
		},
		{
			name:    "latitude out of range",
			raw:     `{"despachoId":42,"latitud":91.0,"longitud":0}`,
			wantErr: true,
		},
		{
			name:    "longitude out of range",
			raw:     `{"despachoId":42,"latitud":0,"longitud":-180.5}`,
			wantErr: true,
		},
		{
			name:    "negative speed",
			raw:     `{"despachoId":42,"latitud":0,"longitud":0,"velocidad":-1}`,
			wantErr: true,
		},
		{
			name:    "missing dispatch id",
			raw:     `{"latitud":0,"longitud":0}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"despachoId":`,
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p LocationUpdate
			err := Parse(json.RawMessage(tt.raw), &p)
			if tt.wantErr {
				require.NotNil(t, err)
				assert.Equal(t, CodeValidation, err.Code)
				return
			}
			assert.Nil(t, err)
		})
	}
}

func TestParseDispatchCreate(t *testing.T) {
	var p DispatchCreate
	err := Parse(json.RawMessage(`{"ubicacion_origen_lat":4.6,"ubicacion_origen_lng":-74.1,"incidente":"accidente","prioridad":"alta"}`), &p)
	require.Nil(t, err)
	assert.Equal(t, "accidente", p.Incidente)

	err = Parse(json.RawMessage(`{"ubicacion_origen_lat":4.6,"ubicacion_origen_lng":-74.1,"incidente":"tsunami","prioridad":"alta"}`), &p)
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
}

func TestParseUserStatus(t *testing.T) {
	var p UserStatus
	require.Nil(t, Parse(json.RawMessage(`{"status":"online"}`), &p))

	err := Parse(json.RawMessage(`{"status":"sleeping"}`), &p)
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
}

func TestParseDispatchStatusUpdate(t *testing.T) {
	var p DispatchStatusUpdate
	require.Nil(t, Parse(json.RawMessage(`{"despachoId":7,"estado":"en_camino"}`), &p))

	err := Parse(json.RawMessage(`{"despachoId":7,"estado":"parked"}`), &p)
	require.NotNil(t, err)
}

func TestPushTimestamp(t *testing.T) {
	p := NewPush("pong", map[string]any{"ok": true})
	assert.Equal(t, "pong", p.Type)
	assert.False(t, p.ServerTimestamp.IsZero())
}
