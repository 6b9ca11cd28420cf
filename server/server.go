// Package server contains the HTTP plumbing shared by the control
// surface: goji route tables and the typed JSON payloads used for
// scalar get/set endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"

	"goji.io"
)

// RouteTable maps URL patterns to their handlers.
type RouteTable map[goji.Pattern]http.HandlerFunc

// Bind attaches every route in the table to the mux.
func (rt RouteTable) Bind(mux *goji.Mux) {
	for p, h := range rt {
		mux.HandleFunc(p, h)
	}
}

// Endpoints lists the patterns in the table.
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for p := range rt {
		out = append(out, fmt.Sprint(p))
	}
	return out
}

// FloatT is a float64 wrapped in a JSON object.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is an int wrapped in a JSON object.
type IntT struct {
	Int int `json:"int"`
}

// StrT is a string wrapped in a JSON object.
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a bool wrapped in a JSON object.
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct that passes data between HTTP requests and
// the machinery.  Exactly one field is populated, indicated by T.
type HumanPayload struct {
	// T is the type of the data
	T types.BasicKind

	// Bool holds a bool
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float64
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as the appropriate wrapped
// JSON object.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	default:
		err = fmt.Errorf("server: unmapped human payload type %v", hp.T)
	}
	if err != nil {
		fstr := fmt.Sprintf("error encoding payload to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}
