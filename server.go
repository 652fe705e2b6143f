package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/Tutortoise/object-detection-lambda/detections"
	"github.com/Tutortoise/object-detection-lambda/logging"
	"github.com/Tutortoise/object-detection-lambda/models"
	"github.com/Tutortoise/object-detection-lambda/pipeline"
	"github.com/Tutortoise/object-detection-lambda/render"
	"github.com/Tutortoise/object-detection-lambda/storage"

	"github.com/aws/aws-lambda-go/events"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxUploadBytes = 10 << 20

// Server is the local HTTP surface used when the function runs outside
// Lambda.
type Server struct {
	handler   *pipeline.Handler
	source    pipeline.ModelSource
	poolStats func() (detections.PoolStats, bool)
	metrics   http.Handler
	threshold float32
}

type DetectResponse struct {
	Count      int                `json:"count"`
	Message    string             `json:"message"`
	Detections []models.Detection `json:"detections"`
}

type InvokeResponse struct {
	Message string `json:"message"`
	*pipeline.Result
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewServer(app *App) *Server {
	return &Server{
		handler: app.Handler,
		source:  engineSource{provider: app.Provider, metrics: app.Metrics},
		poolStats: func() (detections.PoolStats, bool) {
			engine, ok := app.Provider.Loaded()
			if !ok {
				return detections.PoolStats{}, false
			}
			return engine.Stats(), true
		},
		metrics:   app.Metrics.Handler(),
		threshold: float32(app.Config.Render.Threshold),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/invoke", s.handleInvoke).Methods("POST")
	r.HandleFunc("/detect", s.handleDetect).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/debug/pool", s.handlePool).Methods("GET")
	r.Handle("/metrics", s.metrics).Methods("GET")
	return r
}

// handleInvoke runs the pipeline for an EventBridge event body, as the
// Lambda runtime would.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var event events.CloudWatchEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&event); err != nil {
		sendErrorResponse(w, "invalid_request", "event body is not valid JSON", err.Error(), http.StatusBadRequest)
		return
	}
	detail, err := pipeline.ParseEvent(event)
	if err != nil {
		sendErrorResponse(w, "invalid_event", err.Error(), "", http.StatusBadRequest)
		return
	}

	res, err := s.handler.Process(r.Context(), detail.Object.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sendErrorResponse(w, "not_found", "input object not found", err.Error(), http.StatusNotFound)
		return
	case err != nil:
		sendErrorResponse(w, "processing_error", "invocation failed", err.Error(), http.StatusInternalServerError)
		return
	}

	msg := getDetectionMessage(len(res.Rendered))
	if res.Skipped {
		msg = MsgSkipped
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Message: msg, Result: res})
}

// handleDetect runs the model on an uploaded image and returns the boxes
// that would be drawn, without touching storage.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: uuid.NewString()}

	imgBytes, err := readImageBody(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), "", http.StatusBadRequest)
		return
	}

	decodeStart := time.Now()
	img, err := decodeImage(imgBytes)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", err.Error(), http.StatusBadRequest)
		return
	}

	model, err := s.source.Model(r.Context())
	if err != nil {
		sendErrorResponse(w, "model_unavailable", "model could not be loaded", err.Error(), http.StatusServiceUnavailable)
		return
	}

	dets, err := model.Detect(r.Context(), img, timings)
	if err != nil {
		sendErrorResponse(w, "processing_error", err.Error(), "", http.StatusInternalServerError)
		return
	}
	visible := render.Visible(dets, s.threshold)

	timings.Total = time.Since(startTotal)
	logging.Debug("server", "detect request",
		"request_id", timings.RequestID,
		"decode", timings.ImageDecode,
		"inference", timings.Inference,
		"total", timings.Total)

	writeJSON(w, http.StatusOK, DetectResponse{
		Count:      len(visible),
		Message:    getDetectionMessage(len(visible)),
		Detections: visible,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, loaded := s.poolStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"model_loaded": loaded,
	})
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.poolStats()
	if !ok {
		sendErrorResponse(w, "model_not_loaded", "model has not been loaded yet", "", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func readImageBody(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUploadBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxUploadBytes)
	}
	return data, nil
}

// decodeImage applies EXIF orientation the same way the pipeline's
// render.Open does, so both paths see identical pixels.
func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("server", "encode response", "err", err)
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
