package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type workersResponse struct {
	Data []wireWorker `json:"data"`
}

type wireWorker struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type allowedDaysRequest struct {
	ServiceID int64  `json:"serviceId"`
	WorkerID  int64  `json:"workerId"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	Facility  string `json:"facility,omitempty"`
}

type allowedDaysResponse struct {
	Data struct {
		AllowedDays []json.Number `json:"allowedDays"`
		Year        int           `json:"year"`
		Month       int           `json:"month"`
		CantReserve bool          `json:"cantReserve"`
	} `json:"data"`
}

type allowedTimesRequest struct {
	ServiceID int64  `json:"serviceId"`
	WorkerID  int64  `json:"workerId"`
	Date      string `json:"date"`
	Facility  string `json:"facility,omitempty"`
}

type allowedTimesResponse struct {
	Data struct {
		Times struct {
			All []wireTime `json:"all"`
		} `json:"times"`
	} `json:"data"`
}

type wireTime struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

type reservationRequest struct {
	ServiceID int64  `json:"serviceId"`
	WorkerID  int64  `json:"workerId"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Note      string `json:"note,omitempty"`
	Facility  string `json:"facility,omitempty"`
}

type reservationResponse struct {
	Success bool            `json:"success"`
	Errors  json.RawMessage `json:"errors"`
	Data    struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// flexID accepts an identifier sent either as a JSON string or a number.
// null and a missing field both decode to "".
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*f = flexID(n.String())
	}
	return nil
}
