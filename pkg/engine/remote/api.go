// Package remote drives stacks whose configuration declares a remote backend
// through the remote run service API. Each plan uploads the stack directory
// as a new configuration version and queues a run; apply and destroy confirm
// that run.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	tfe "github.com/hashicorp/go-tfe"

	"github.com/openfroyo/stackrun/pkg/engine"
	"github.com/openfroyo/stackrun/pkg/stacks"
)

// DefaultHostname is the remote service used when none is configured.
const DefaultHostname = "app.terraform.io"

// API is the subset of the service client the engine uses. It mirrors the
// fields of *tfe.Client so tests can substitute any of them.
type API struct {
	Workspaces            tfe.Workspaces
	ConfigurationVersions tfe.ConfigurationVersions
	Runs                  tfe.Runs
	Plans                 tfe.Plans
	Applies               tfe.Applies
	StateVersionOutputs   tfe.StateVersionOutputs
}

// FromClient exposes a service client as an API.
func FromClient(c *tfe.Client) *API {
	return &API{
		Workspaces:            c.Workspaces,
		ConfigurationVersions: c.ConfigurationVersions,
		Runs:                  c.Runs,
		Plans:                 c.Plans,
		Applies:               c.Applies,
		StateVersionOutputs:   c.StateVersionOutputs,
	}
}

// NewAPI connects to the service at hostname with the given token.
func NewAPI(hostname, token string) (*API, error) {
	if hostname == "" {
		hostname = DefaultHostname
	}
	if token == "" {
		return nil, engine.NewUsageError(
			fmt.Sprintf("no API token for %s; set remote.token or %s", hostname, TokenEnvVar(hostname)), nil)
	}

	address := hostname
	if !strings.Contains(address, "://") {
		address = "https://" + address
	}
	if _, err := url.Parse(address); err != nil {
		return nil, engine.NewUsageError(fmt.Sprintf("invalid remote hostname %q", hostname), err)
	}

	cfg := &tfe.Config{
		Address:    address,
		Token:      token,
		Headers:    make(http.Header),
		HTTPClient: cleanhttp.DefaultPooledClient(),
	}
	cfg.Headers.Set("User-Agent", "stackrun")

	client, err := tfe.NewClient(cfg)
	if err != nil {
		return nil, engine.NewExternalError(fmt.Sprintf("failed to create client for %s", hostname), err)
	}
	return FromClient(client), nil
}

// TokenEnvVar returns the per-host token variable the engine CLI reads, e.g.
// TF_TOKEN_app_terraform_io.
func TokenEnvVar(hostname string) string {
	r := strings.NewReplacer(".", "_", "-", "__")
	return "TF_TOKEN_" + r.Replace(hostname)
}

// TokenFromEnv looks up a token for hostname in the environment.
func TokenFromEnv(hostname string) string {
	if token := os.Getenv("STACKRUN_TFE_TOKEN"); token != "" {
		return token
	}
	return os.Getenv(TokenEnvVar(hostname))
}

// WorkspaceActive reports whether the backend's workspace exists and runs
// remotely. A missing workspace is not an error.
func WorkspaceActive(ctx context.Context, api *API, backend stacks.RemoteBackend) (bool, error) {
	ws, err := api.Workspaces.Read(ctx, backend.Organization, backend.Workspace)
	if err != nil {
		if errors.Is(err, tfe.ErrResourceNotFound) {
			return false, nil
		}
		return false, engine.NewExternalError(
			fmt.Sprintf("failed to read workspace %s/%s", backend.Organization, backend.Workspace), err)
	}
	return ws.ExecutionMode == "" || ws.ExecutionMode == "remote", nil
}
