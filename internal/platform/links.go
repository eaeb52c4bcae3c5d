package platform

import (
	"fmt"
	"net/url"

	"nbdeploy/internal/model"
)

type Links struct {
	Admin    string `json:"admin"`
	Logs     string `json:"logs"`
	Notebook string `json:"notebook,omitempty"`
}

func (c *Client) AdminURL(job model.Job) string {
	return fmt.Sprintf("%s/#/manager/%d/job/%d", c.rootURL, job.PlatformID, job.ID)
}

func (c *Client) LogsURL(job model.Job) string {
	return c.AdminURL(job) + "/logs"
}

func NotebookURL(job model.Job, fileName string) string {
	if job.KernelURL == "" {
		return ""
	}
	return job.KernelURL + "/notebooks/" + url.PathEscape(fileName)
}

func (c *Client) Links(job model.Job, fileName string) Links {
	return Links{
		Admin:    c.AdminURL(job),
		Logs:     c.LogsURL(job),
		Notebook: NotebookURL(job, fileName),
	}
}
