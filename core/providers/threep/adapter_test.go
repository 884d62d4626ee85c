package threep

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"meldhub/core/mapping"
	"meldhub/core/providers"
	"meldhub/core/store"
)

type fakeObjects struct {
	objects map[string][]byte
	types   map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) Put(ctx context.Context, objectName, contentType string, data []byte) error {
	f.objects[objectName] = data
	f.types[objectName] = contentType
	return nil
}

func (f *fakeObjects) Exists(ctx context.Context, objectName string) (bool, error) {
	_, ok := f.objects[objectName]
	return ok, nil
}

type fakeQueue struct {
	enqueued [][]byte
}

func (f *fakeQueue) EnqueueWorkorderUpload(ctx context.Context, integrationID int64, incidentID string, workorder []byte) error {
	f.enqueued = append(f.enqueued, workorder)
	return nil
}

func createRequest() providers.CreateRequest {
	return providers.CreateRequest{
		Integration: &store.Integration{
			ID:       2,
			Provider: store.ProviderThreep,
			Settings: store.IntegrationSettings{
				Provider: store.ProviderThreep,
				Threep:   &store.ThreepSettings{ObjectPrefix: "reports", CityID: "9000"},
			},
		},
		IncidentID:  "inc-42",
		ReportDate:  time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC),
		Title:       "Sluikstort",
		Description: "Vuilniszakken naast de glasbol",
		Narrative:   "Vuilniszakken naast de glasbol\n\n**Waar?** hoek Veldstraat",
		Geo:         &store.GeoPoint{Lat: 51.05, Lon: 3.72},
		Reporter:    &store.ReporterUser{ID: "user-1", Name: "Jan Peeters", Email: "jan@example.be"},
		Attachments: []mapping.FileRef{{URL: "https://cdn.example/1.jpg", Name: "1.jpg"}},
	}
}

func TestBuildWorkorder(t *testing.T) {
	data, err := BuildWorkorder(createRequest())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	xml := string(data)

	// The consumer rejects declarations with an encoding attribute.
	if !strings.HasPrefix(xml, "<?xml version=\"1.0\"?>\n") {
		t.Fatalf("declaration = %q", xml[:40])
	}
	for _, want := range []string{
		"<dateasked>2026-03-10T09:30:00</dateasked>",
		"<description>Vuilniszakken naast de glasbol</description>",
		"<urgencyType>melding</urgencyType>",
		"<latitude>51.05</latitude>",
		"<longitude>3.72</longitude>",
		"<contactmethod>app</contactmethod>",
		"<externId>inc-42</externId>",
		"<firstname>Jan</firstname>",
		"<name>Peeters</name>",
		"<item>https://cdn.example/1.jpg</item>",
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("workorder missing %q:\n%s", want, xml)
		}
	}
	// Element order matters to the consumer's parser.
	if strings.Index(xml, "<dateasked>") > strings.Index(xml, "<description>") {
		t.Fatal("dateasked must precede description")
	}
	if strings.Index(xml, "<contactmethod>") > strings.Index(xml, "<externId>") {
		t.Fatal("contactmethod must precede externId")
	}
}

func TestCreateTicketDefersUpload(t *testing.T) {
	queue := &fakeQueue{}
	adapter := NewAdapter(newFakeObjects(), queue, nil)

	result, err := adapter.CreateTicket(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if result.ExternalID != "inc-42" {
		t.Fatalf("external id = %q", result.ExternalID)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(queue.enqueued))
	}
}

func TestUploadBlockedDuringSync(t *testing.T) {
	objects := newFakeObjects()
	adapter := NewAdapter(objects, &fakeQueue{}, nil)
	settings := &store.ThreepSettings{ObjectPrefix: "reports"}
	payload := []byte("<?xml version=\"1.0\"?>\n<Workorder></Workorder>")

	objects.objects["reports/__syncing"] = []byte{}
	err := adapter.Upload(context.Background(), settings, "inc-42", payload)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("err = %v, want ErrSyncInProgress", err)
	}
	if _, ok := objects.objects["reports/inc-42.xml"]; ok {
		t.Fatal("workorder uploaded during sync")
	}

	delete(objects.objects, "reports/__syncing")
	if err := adapter.Upload(context.Background(), settings, "inc-42", payload); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if string(objects.objects["reports/inc-42.xml"]) != string(payload) {
		t.Fatal("uploaded payload differs")
	}
	if objects.types["reports/inc-42.xml"] != "text/xml" {
		t.Fatalf("content type = %q", objects.types["reports/inc-42.xml"])
	}
}

func TestReadTicketNotSupported(t *testing.T) {
	adapter := NewAdapter(newFakeObjects(), &fakeQueue{}, nil)
	_, err := adapter.ReadTicket(context.Background(), &store.Integration{}, "inc-42", mapping.Config{})
	if !errors.Is(err, providers.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}
