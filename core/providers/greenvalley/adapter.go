package greenvalley

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/store"
	"meldhub/core/utils"
)

// caseRequest is the create_case_request document. The suite's JAXB
// binding rejects elements out of sequence, so field order here is the
// schema order, not cosmetic.
type caseRequest struct {
	XMLName     xml.Name    `xml:"create_case_request"`
	TypeID      string      `xml:"type_id"`
	Subject     string      `xml:"subject,omitempty"`
	Description string      `xml:"description,omitempty"`
	Flexes      *caseFlexes `xml:"flexes,omitempty"`
	Agents      *caseAgents `xml:"agents,omitempty"`
}

type caseFlexes struct {
	Flex []caseFlex `xml:"flex"`
}

type caseFlex struct {
	FieldDefID      string           `xml:"field_def_id"`
	StringValue     string           `xml:"string_value,omitempty"`
	DisplayValue    string           `xml:"display_value,omitempty"`
	AttachmentValue *attachmentValue `xml:"attachment_value,omitempty"`
}

type attachmentValue struct {
	Name    string `xml:"name"`
	Content string `xml:"content"`
}

type caseAgents struct {
	Person casePerson `xml:"person"`
}

type casePerson struct {
	Sequence   string       `xml:"sequence,attr"`
	GroupType  string       `xml:"group_type,attr"`
	Contact    *caseContact `xml:"contact,omitempty"`
	FirstName  string       `xml:"first_name,omitempty"`
	FamilyName string       `xml:"family_name,omitempty"`
}

type caseContact struct {
	Email string `xml:"email,omitempty"`
}

type caseResponse struct {
	ID          string `xml:"id,attr"`
	DateCreated string `xml:"date_created"`
	Subject     string `xml:"subject"`
}

type Adapter struct {
	client *Client
	logger *utils.Logger
}

func NewAdapter(client *Client, logger *utils.Logger) *Adapter {
	return &Adapter{client: client, logger: logger}
}

func (a *Adapter) Provider() string {
	return store.ProviderGreenValley
}

func (a *Adapter) CreateTicket(ctx context.Context, req providers.CreateRequest) (*providers.CreateResult, error) {
	settings := req.Integration.Settings.GreenValley
	if settings == nil {
		return nil, fmt.Errorf("integration %d has no green valley settings", req.Integration.ID)
	}
	request := caseRequest{
		TypeID:      settings.TypeID,
		Subject:     req.Title,
		Description: req.Narrative,
	}
	if typeID := stringField(req.Fields, "type_id"); typeID != "" {
		request.TypeID = typeID
	}

	var flexes []caseFlex
	for key := range req.Fields {
		switch key {
		case "type_id", "subject", "description":
			continue
		}
		str := stringField(req.Fields, key)
		if str == "" {
			continue
		}
		flexes = append(flexes, caseFlex{FieldDefID: key, StringValue: str})
	}
	if req.Geo != nil {
		flexes = append(flexes, caseFlex{FieldDefID: "coordinates", StringValue: mapping.FormatGeo((*mapping.GeoPoint)(req.Geo))})
	}
	for i, att := range req.Attachments {
		flex, err := a.attachmentFlex(ctx, att, i)
		if err != nil {
			if a.logger != nil {
				a.logger.Errorf("skipping case attachment %s: %v", att.URL, err)
			}
			continue
		}
		flexes = append(flexes, flex)
	}
	if len(flexes) > 0 {
		request.Flexes = &caseFlexes{Flex: flexes}
	}

	if req.Reporter != nil {
		person := casePerson{Sequence: "1", GroupType: "REQUESTER"}
		if req.Reporter.Email != "" {
			person.Contact = &caseContact{Email: req.Reporter.Email}
		}
		if parts := strings.SplitN(req.Reporter.Name, " ", 2); len(parts) == 2 {
			person.FirstName, person.FamilyName = parts[0], parts[1]
		} else {
			person.FamilyName = req.Reporter.Name
		}
		request.Agents = &caseAgents{Person: person}
	}

	if request.Description == "" && request.Agents == nil {
		return nil, fmt.Errorf("not creating case for incident %s: not enough information", req.IncidentID)
	}

	body, err := xml.Marshal(request)
	if err != nil {
		return nil, err
	}
	raw, err := a.client.callCase(ctx, settings, http.MethodPost, "/cases", body)
	if err != nil {
		return nil, err
	}
	var created caseResponse
	if err := xml.Unmarshal(raw, &created); err != nil {
		return nil, fmt.Errorf("parse case response: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("case response for incident %s carries no id", req.IncidentID)
	}
	return &providers.CreateResult{
		ExternalID: created.ID,
		Params: store.ProviderParams{
			Provider:    store.ProviderGreenValley,
			GreenValley: &store.GreenValleyParams{NotificationIDs: []string{}},
		},
	}, nil
}

func (a *Adapter) attachmentFlex(ctx context.Context, att mapping.FileRef, index int) (caseFlex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return caseFlex{}, err
	}
	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return caseFlex{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return caseFlex{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return caseFlex{}, err
	}
	name := att.Name
	if name == "" {
		name = fmt.Sprintf("attachment_%d%s", index+1, extensionFor(resp.Header.Get("Content-Type")))
	}
	return caseFlex{
		FieldDefID: "attachments",
		AttachmentValue: &attachmentValue{
			Name:    name,
			Content: base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	if contentType == "image/jpeg" {
		return ".jpg"
	}
	return exts[0]
}

// ReadTicket fetches the case. The suite has no status field on the
// read model, so the snapshot only carries identity and creation time;
// lifecycle changes arrive through notifications instead.
func (a *Adapter) ReadTicket(ctx context.Context, integration *store.Integration, externalID string, cfg mapping.Config) (*providers.TicketSnapshot, error) {
	settings := integration.Settings.GreenValley
	if settings == nil {
		return nil, fmt.Errorf("integration %d has no green valley settings", integration.ID)
	}
	raw, err := a.client.callCase(ctx, settings, http.MethodGet, "/cases/"+externalID, nil)
	if err != nil {
		return nil, err
	}
	var c caseResponse
	if err := xml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse case: %w", err)
	}
	snapshot := &providers.TicketSnapshot{ExternalID: externalID}
	if c.ID != "" {
		snapshot.ExternalID = c.ID
	}
	if t, err := time.Parse(time.RFC3339, c.DateCreated); err == nil {
		snapshot.CreatedAt = t.UTC()
	}
	return snapshot, nil
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
