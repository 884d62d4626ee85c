package threep

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/storage"
	"meldhub/core/store"
	"meldhub/core/utils"
)

// ErrSyncInProgress is returned while the consumer's sync marker sits
// in the bucket. Uploads during a sync would be lost, so the caller
// reschedules instead.
var ErrSyncInProgress = errors.New("workorder sync in progress")

const syncMarker = "__syncing"

// UploadQueue defers the bucket drop so a running consumer sync never
// blocks ticket creation.
type UploadQueue interface {
	EnqueueWorkorderUpload(ctx context.Context, integrationID int64, incidentID string, workorder []byte) error
}

// workorder is the XML shape the 3P back office imports. Field order is
// significant to its parser.
type workorder struct {
	XMLName       xml.Name   `xml:"Workorder"`
	DateAsked     string     `xml:"dateasked"`
	Description   string     `xml:"description"`
	Comment       string     `xml:"comment"`
	Type          string     `xml:"type,omitempty"`
	UrgencyType   string     `xml:"urgencyType"`
	Place         string     `xml:"place,omitempty"`
	Latitude      string     `xml:"latitude,omitempty"`
	Longitude     string     `xml:"longitude,omitempty"`
	Requestor     *requestor `xml:"requestor,omitempty"`
	ContactMethod string     `xml:"contactmethod"`
	ExternID      string     `xml:"externId"`
	Attachments   *struct {
		Items []string `xml:"item"`
	} `xml:"attachments,omitempty"`
}

type requestor struct {
	Email     string `xml:"email,omitempty"`
	FirstName string `xml:"firstname,omitempty"`
	Name      string `xml:"name,omitempty"`
	Phone     string `xml:"phone,omitempty"`
	Street    string `xml:"street,omitempty"`
}

type Adapter struct {
	objects storage.ObjectStore
	queue   UploadQueue
	logger  *utils.Logger
}

func NewAdapter(objects storage.ObjectStore, queue UploadQueue, logger *utils.Logger) *Adapter {
	return &Adapter{objects: objects, queue: queue, logger: logger}
}

func (a *Adapter) Provider() string {
	return store.ProviderThreep
}

// CreateTicket renders the workorder and defers the bucket drop. The
// incident id doubles as the external id since the back office keys its
// import on externId.
func (a *Adapter) CreateTicket(ctx context.Context, req providers.CreateRequest) (*providers.CreateResult, error) {
	if req.Integration.Settings.Threep == nil {
		return nil, fmt.Errorf("integration %d has no workorder settings", req.Integration.ID)
	}
	data, err := BuildWorkorder(req)
	if err != nil {
		return nil, err
	}
	if err := a.queue.EnqueueWorkorderUpload(ctx, req.Integration.ID, req.IncidentID, data); err != nil {
		return nil, err
	}
	return &providers.CreateResult{
		ExternalID: req.IncidentID,
		Params:     store.ProviderParams{Provider: store.ProviderThreep},
	}, nil
}

func (a *Adapter) ReadTicket(ctx context.Context, integration *store.Integration, externalID string, cfg mapping.Config) (*providers.TicketSnapshot, error) {
	return nil, providers.ErrNotSupported
}

func BuildWorkorder(req providers.CreateRequest) ([]byte, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = req.Title
	}
	order := workorder{
		DateAsked:     req.ReportDate.Format("2006-01-02T15:04:05"),
		Description:   description,
		Comment:       req.Narrative,
		Type:          stringField(req.Fields, "type"),
		UrgencyType:   "melding",
		Place:         stringField(req.Fields, "place"),
		ContactMethod: "app",
		ExternID:      req.IncidentID,
	}
	if req.Geo != nil {
		order.Latitude = fmt.Sprintf("%v", req.Geo.Lat)
		order.Longitude = fmt.Sprintf("%v", req.Geo.Lon)
	}
	if req.Reporter != nil {
		r := &requestor{Email: req.Reporter.Email}
		if parts := strings.SplitN(req.Reporter.Name, " ", 2); len(parts) == 2 {
			r.FirstName, r.Name = parts[0], parts[1]
		} else {
			r.Name = req.Reporter.Name
		}
		r.Phone = stringField(req.Fields, "phone")
		r.Street = stringField(req.Fields, "street")
		order.Requestor = r
	}
	if len(req.Attachments) > 0 {
		items := make([]string, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			items = append(items, att.URL)
		}
		order.Attachments = &struct {
			Items []string `xml:"item"`
		}{Items: items}
	}

	body, err := xml.MarshalIndent(order, "", "  ")
	if err != nil {
		return nil, err
	}
	// The consumer rejects declarations that carry an encoding attribute.
	return append([]byte("<?xml version=\"1.0\"?>\n"), body...), nil
}

// Upload drops the workorder into the bucket unless the consumer is
// mid-sync, in which case the caller gets ErrSyncInProgress and should
// retry later.
func (a *Adapter) Upload(ctx context.Context, settings *store.ThreepSettings, incidentID string, workorderXML []byte) error {
	prefix := strings.Trim(settings.ObjectPrefix, "/")
	if prefix == "" {
		prefix = "reports"
	}
	syncing, err := a.objects.Exists(ctx, prefix+"/"+syncMarker)
	if err != nil {
		return err
	}
	if syncing {
		return ErrSyncInProgress
	}
	objectName := fmt.Sprintf("%s/%s.xml", prefix, incidentID)
	if err := a.objects.Put(ctx, objectName, "text/xml", workorderXML); err != nil {
		return err
	}
	if a.logger != nil {
		a.logger.Printf("workorder %s uploaded", objectName)
	}
	return nil
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if id, ok := val["id"].(string); ok {
			return id
		}
	}
	return ""
}
