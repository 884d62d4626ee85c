package topdesk

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/gif"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"golang.org/x/image/draw"

	"meldhub/core/store"
)

// UploadAttachment downloads the file from its public URL, shrinks
// oversized images and posts the result to the ticket. The ticket must
// be addressed by its provider uuid, not by number.
func (a *Adapter) UploadAttachment(ctx context.Context, settings *store.TopdeskSettings, ticketID, fileURL, fileName string, maxImageWidth int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download attachment %s: status %d", fileURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resized, ok := maybeResizeImage(data, maxImageWidth); ok {
		data = resized
		if !strings.HasSuffix(strings.ToLower(fileName), ".jpg") && !strings.HasSuffix(strings.ToLower(fileName), ".jpeg") {
			fileName += ".jpg"
		}
	}
	return a.uploadMultipart(ctx, settings, ticketID, fileName, data)
}

// maybeResizeImage re-encodes images wider than maxWidth as JPEG at
// proportional size. Non-images and small images pass through untouched.
func maybeResizeImage(data []byte, maxWidth int) ([]byte, bool) {
	if maxWidth <= 0 {
		return nil, false
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	bounds := src.Bounds()
	if bounds.Dx() <= maxWidth {
		return nil, false
	}
	height := bounds.Dy() * maxWidth / bounds.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (a *Adapter) uploadMultipart(ctx context.Context, settings *store.TopdeskSettings, ticketID, fileName string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	endpoint := settings.APIURL + "/api/incidents/id/" + ticketID + "/attachments"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", basicAuth(settings.Username, settings.Password))
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if a.logger != nil {
		a.logger.Printf("topdesk attachment %s uploaded to ticket %s", fileName, ticketID)
	}
	return nil
}
