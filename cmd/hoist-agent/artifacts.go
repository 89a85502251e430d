package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hoistci/hoist/pkg/cache"
	"github.com/hoistci/hoist/pkg/models"
)

// uploadArtifacts pushes each declared artifact to the server's
// content-addressed cache and returns the fingerprints that made it.
// Upload failures are logged, not fatal: the job already succeeded.
func (a *Agent) uploadArtifacts(ctx context.Context, execution *models.JobExecution) []string {
	var fingerprints []string

	for _, artifact := range execution.Artifacts {
		blob, err := os.ReadFile(filepath.Join(a.config.WorkDir, artifact))
		if err != nil {
			a.logger.WarnContext(ctx, "Failed to read artifact",
				"execution_id", execution.ID, "artifact", artifact, "error", err)

			continue
		}

		fingerprint := cache.Fingerprint(blob)

		if err := a.putCacheEntry(ctx, fingerprint, blob); err != nil {
			a.logger.WarnContext(ctx, "Failed to upload artifact",
				"execution_id", execution.ID, "artifact", artifact, "error", err)

			continue
		}

		fingerprints = append(fingerprints, fingerprint)
	}

	return fingerprints
}

func (a *Agent) putCacheEntry(ctx context.Context, fingerprint string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		a.config.ServerURL+"/cache/"+fingerprint, bytes.NewReader(blob))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return &unexpectedStatusError{status: resp.StatusCode}
	}

	return nil
}

type unexpectedStatusError struct {
	status int
}

func (e *unexpectedStatusError) Error() string {
	return "unexpected cache upload status: " + http.StatusText(e.status)
}
