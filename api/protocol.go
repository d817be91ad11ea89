package api

import "prism-board/domain"

const postMoveMaxSize = 16 * 1024 // 16 KiB

const headerIdempotencyKey = "Idempotency-Key"

// /POST /api/projects/:projectId/executions request body
type executionRequest struct {
	Kind        domain.ExecutionKind `json:"kind"`
	ExecutionID string               `json:"executionId"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type markAllReadResponse struct {
	Updated int `json:"updated"`
}

// first and keep-alive frames of the notification stream
type streamControl struct {
	Type string `json:"type"`
}
