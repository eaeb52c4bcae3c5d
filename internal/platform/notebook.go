package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"nbdeploy/internal/model"
	"nbdeploy/internal/notebook"
	"nbdeploy/internal/transport"
)

var errNoKernelURL = errors.New("job has no kernel url")

type contentsBody struct {
	Type    string          `json:"type"`
	Format  string          `json:"format"`
	Content json.RawMessage `json:"content"`
}

// ProbeKernel checks that the job's notebook server answers.
func (c *Client) ProbeKernel(ctx context.Context, job model.Job, doc notebook.Document) error {
	if job.KernelURL == "" {
		return errNoKernelURL
	}
	_, err := c.caller.Call(ctx, transport.Request{
		Method:         "GET",
		URL:            NotebookURL(job, doc.FileName()),
		AllowRedirects: true,
	})
	if err != nil {
		return fmt.Errorf("probe kernel: %w", err)
	}
	return nil
}

// UploadNotebook writes the document into the job's notebook server.
func (c *Client) UploadNotebook(ctx context.Context, job model.Job, doc notebook.Document) error {
	if job.KernelURL == "" {
		return errNoKernelURL
	}
	_, err := c.caller.Call(ctx, transport.Request{
		Method: "PUT",
		URL:    job.KernelURL + "/api/contents/" + url.PathEscape(doc.FileName()),
		JSON: contentsBody{
			Type:    "notebook",
			Format:  "json",
			Content: doc.Raw,
		},
	})
	if err != nil {
		return fmt.Errorf("upload notebook: %w", err)
	}
	return nil
}
