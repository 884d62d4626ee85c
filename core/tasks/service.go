package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"meldhub/core/store"
)

// Task kinds. Ticket creation itself is synchronous with the intake
// request; only the follow-ups run through the queue.
const (
	KindUploadAttachment = "upload_attachment"
	KindPollIntegration  = "poll_integration"
	KindRefreshIndex     = "refresh_index"
	KindSendNotification = "send_notification"
	KindRefreshTags      = "refresh_tags"
	KindThreepUpload     = "threep_upload"
)

type UploadAttachmentPayload struct {
	IntegrationID int64  `json:"integration_id"`
	IncidentID    string `json:"incident_id"`
	TicketID      string `json:"ticket_id"`
	FileURL       string `json:"file_url"`
	FileName      string `json:"file_name"`
}

type PollIntegrationPayload struct {
	IntegrationID int64 `json:"integration_id"`
}

type RefreshIndexPayload struct {
	IncidentID string `json:"incident_id"`
}

type SendNotificationPayload struct {
	IncidentID string `json:"incident_id"`
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
}

type RefreshTagsPayload struct {
	IntegrationID int64 `json:"integration_id"`
}

type ThreepUploadPayload struct {
	IntegrationID int64  `json:"integration_id"`
	IncidentID    string `json:"incident_id"`
	WorkorderXML  []byte `json:"workorder_xml"`
}

// Service is the enqueue side of the queue; the engine is the drain.
type Service struct {
	store       store.TasksStore
	maxAttempts int
}

func NewService(taskStore store.TasksStore) *Service {
	return &Service{store: taskStore}
}

// SetMaxAttempts caps the delivery attempts for every task enqueued
// through this service. Zero keeps the queue default.
func (s *Service) SetMaxAttempts(attempts int) {
	s.maxAttempts = attempts
}

func (s *Service) Enqueue(ctx context.Context, kind string, payload any, notBefore time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	return s.store.EnqueueTask(ctx, &store.TaskRecord{
		ID:          id.String(),
		Kind:        kind,
		Payload:     data,
		NotBefore:   notBefore,
		MaxAttempts: s.maxAttempts,
	})
}

func (s *Service) EnqueueNow(ctx context.Context, kind string, payload any) error {
	return s.Enqueue(ctx, kind, payload, time.Now().UTC())
}

// EnqueueWorkorderUpload satisfies the workorder adapter's queue
// dependency.
func (s *Service) EnqueueWorkorderUpload(ctx context.Context, integrationID int64, incidentID string, workorderXML []byte) error {
	return s.EnqueueNow(ctx, KindThreepUpload, ThreepUploadPayload{
		IntegrationID: integrationID,
		IncidentID:    incidentID,
		WorkorderXML:  workorderXML,
	})
}
