package api

import (
	"time"

	"github.com/g960059/agtscout/internal/model"
	"github.com/g960059/agtscout/internal/surface"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type StatusResponse struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Status        model.Status `json:"status"`
}

type EnqueueRequest struct {
	Kind    string            `json:"kind,omitempty"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type MessageResponse struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Message       model.Message `json:"message"`
}

type MessagesEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Messages      []model.Message `json:"messages"`
}

type RequeueRequest struct {
	IDs []string `json:"ids"`
}

type AckResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Accepted      bool      `json:"accepted"`
}

type WindowResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Found         bool              `json:"found"`
	Handle        surface.Handle    `json:"handle"`
	Readiness     surface.Readiness `json:"readiness"`
	Error         string            `json:"error,omitempty"`
}

type TextRequest struct {
	Text string `json:"text"`
}

type TestInjectResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Handle        surface.Handle `json:"handle"`
	Bytes         int            `json:"bytes"`
}
