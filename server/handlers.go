package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"southwinds.dev/veritas"
)

type resumeRequest struct {
	Operator string `json:"operator"`
}

type resumeResponse struct {
	Resumed bool               `json:"resumed"`
	Link    *veritas.ChainLink `json:"link,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status(r.Context()))
}

func (s *Server) logAuditEvent(w http.ResponseWriter, r *http.Request) {
	var req veritas.LogAuditEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.service.LogAuditEvent(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) encryptData(w http.ResponseWriter, r *http.Request) {
	var req veritas.EncryptDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.service.EncryptData(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) shredKey(w http.ResponseWriter, r *http.Request) {
	var req veritas.ShredKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.service.ShredKey(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) chain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.GetChain(r.Context()))
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.VerifyChain(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if !resp.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := s.service.Resume(r.Context(), req.Operator)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resumeResponse{Resumed: link != nil, Link: link})
}

// decodeJSON reads a single JSON object into v. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON object")
		return false
	}
	return true
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	var (
		validation *veritas.ValidationError
		shred      *veritas.ShredError
		integrity  *veritas.ChainIntegrityError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &shred):
		return http.StatusNotFound
	case errors.Is(err, veritas.ErrLedgerHalted), errors.As(err, &integrity):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var validation *veritas.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s %s failed: %v\n", r.Method, r.URL.Path, err)
		// crypto internals stay in the log
		var cryptoErr *veritas.CryptoError
		if errors.As(err, &cryptoErr) {
			resp.Error = fmt.Sprintf("crypto failure during %s", cryptoErr.Op)
		}
	}
	writeJSON(w, status, resp)
}
