package greenvalley

import (
	"context"
	"encoding/json"
	"net/url"

	"meldhub/core/store"
)

type NotificationAttachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	FileSize int64  `json:"fileSize"`
	FileData string `json:"fileData,omitempty"`
}

// Notification is the gateway's external notification shape. Source is
// one of WORKFLOW, CASE_MESSAGE or EXTERNAL_TASK.
type Notification struct {
	ID            string                   `json:"id"`
	CaseReference string                   `json:"caseReference"`
	Message       string                   `json:"message"`
	SentDate      string                   `json:"sentDate"`
	Source        string                   `json:"source"`
	FirstName     string                   `json:"firstName"`
	LastName      string                   `json:"lastName"`
	EmailAddress  string                   `json:"emailAddress"`
	Attachments   []NotificationAttachment `json:"attachments"`
}

func (a *Adapter) Notifications(ctx context.Context, settings *store.GreenValleySettings, caseReference string) ([]Notification, error) {
	params := url.Values{}
	params.Set("caseReference", caseReference)
	raw, err := a.client.callGateway(ctx, settings, "/notifications", params)
	if err != nil {
		return nil, err
	}
	var notifications []Notification
	if err := json.Unmarshal(raw, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// NotificationAttachmentData fetches one attachment with its base64
// content included.
func (a *Adapter) NotificationAttachmentData(ctx context.Context, settings *store.GreenValleySettings, notificationID, attachmentID string) (*NotificationAttachment, error) {
	raw, err := a.client.callGateway(ctx, settings, "/notifications/"+notificationID+"/attachments/"+attachmentID, nil)
	if err != nil {
		return nil, err
	}
	var attachment NotificationAttachment
	if err := json.Unmarshal(raw, &attachment); err != nil {
		return nil, err
	}
	return &attachment, nil
}
