package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// GCPCredentialsPath is where the service account key lands inside the
// sandbox when Vertex AI is in use.
const GCPCredentialsPath = "/home/user/.config/gcloud/service_account.json"

// readGCPCredentials returns the service account key content when Vertex
// AI is configured, or "" when it is not. The file is read eagerly so a
// missing key fails the request up front rather than mid-run.
func readGCPCredentials() (string, error) {
	if os.Getenv("CLAUDE_CODE_USE_VERTEX") == "" {
		return "", nil
	}

	credsPath := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	if credsPath == "" {
		return "", fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS is required when using Vertex AI; set it to the path of your GCP service account JSON key")
	}
	if !filepath.IsAbs(credsPath) {
		wd, err := os.Getwd()
		if err == nil {
			credsPath = filepath.Join(wd, credsPath)
		}
	}
	data, err := os.ReadFile(credsPath)
	if err != nil {
		return "", fmt.Errorf("reading GOOGLE_APPLICATION_CREDENTIALS file: %w", err)
	}
	return string(data), nil
}
