package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-io/bifrost/internal/broker"
)

func TestPackageInstallWritesThroughAndBroadcasts(t *testing.T) {
	e := newEnv(t)
	const requirements = "requests==2.31.0\nnumpy==1.26.0\n"

	resp := e.do(t, http.MethodPost, "/api/admin/packages/install", e.adminToken,
		map[string]string{"requirements": requirements})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		JobID string `json:"job_id"`
	}
	decodeData(t, resp, &body)
	assert.NotEmpty(t, body.JobID)

	// Durable copy in the file index.
	entry, err := e.config.GetFile(context.Background(), "requirements.txt")
	require.NoError(t, err)
	assert.Equal(t, requirements, entry.Content)

	// Cached copy with matching hash.
	doc, err := e.cache.GetRequirements(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, requirements, doc.Content)

	sum := sha256.Sum256([]byte(requirements))
	msgs := e.pub.broadcastsOn(broker.ExchangePackageInstall)
	require.Len(t, msgs, 1)
	var install broker.PackageInstallMessage
	require.NoError(t, json.Unmarshal(msgs[0], &install))
	assert.Equal(t, body.JobID, install.JobID)
	assert.Equal(t, hex.EncodeToString(sum[:]), install.RequirementsSHA)
}

func TestPackageInstallRequiresContent(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/admin/packages/install", e.adminToken,
		map[string]string{"requirements": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
