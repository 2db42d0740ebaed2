package sandboxctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
)

const (
	defaultDaytonaAPIURL = "https://app.daytona.io/api"
	daytonaSourceHeader  = "agentrun"
)

// DaytonaConfig configures the Daytona sandbox backend a DaytonaProvider
// talks to.
type DaytonaConfig struct {
	APIKey         string
	JWTToken       string
	OrganizationID string
	APIURL         string
	Target         string
	Snapshot       string
	Image          string
	SandboxClass   string
	NetworkAllow   string
	CPU            int
	MemoryMB       int
	NetworkEnabled bool
	AutoStop       *time.Duration
	AutoArchive    *time.Duration
	AutoDelete     *time.Duration
}

// daytonaClient is a thin wrapper over the generated Daytona API and
// toolbox API clients, adapted from internal/tools/sandbox/daytona.go but
// stripped of that package's multi-language Executor abstraction: the Run
// Coordinator only ever needs bash commands run against one persistent,
// project-scoped sandbox.
type daytonaClient struct {
	cfg *DaytonaConfig

	apiClient  *apiclient.APIClient
	httpClient *http.Client

	proxyMu    sync.Mutex
	proxyCache map[string]string
}

func resolveDaytonaConfig(cfg DaytonaConfig) (DaytonaConfig, error) {
	resolved := cfg
	resolved.APIKey = strings.TrimSpace(resolved.APIKey)
	resolved.JWTToken = strings.TrimSpace(resolved.JWTToken)
	resolved.OrganizationID = strings.TrimSpace(resolved.OrganizationID)
	resolved.APIURL = strings.TrimSpace(resolved.APIURL)
	resolved.Target = strings.TrimSpace(resolved.Target)

	if resolved.APIKey == "" {
		resolved.APIKey = strings.TrimSpace(os.Getenv("DAYTONA_API_KEY"))
	}
	if resolved.JWTToken == "" {
		resolved.JWTToken = strings.TrimSpace(os.Getenv("DAYTONA_JWT_TOKEN"))
	}
	if resolved.OrganizationID == "" {
		resolved.OrganizationID = strings.TrimSpace(os.Getenv("DAYTONA_ORGANIZATION_ID"))
	}
	if resolved.APIURL == "" {
		resolved.APIURL = strings.TrimSpace(os.Getenv("DAYTONA_API_URL"))
	}
	if resolved.APIURL == "" {
		resolved.APIURL = defaultDaytonaAPIURL
	}
	if resolved.Target == "" {
		resolved.Target = strings.TrimSpace(os.Getenv("DAYTONA_TARGET"))
	}
	if resolved.APIKey == "" && resolved.JWTToken == "" {
		return DaytonaConfig{}, errors.New("sandboxctl: daytona api key or jwt token is required")
	}
	if resolved.JWTToken != "" && resolved.OrganizationID == "" {
		return DaytonaConfig{}, errors.New("sandboxctl: daytona organization id is required when using a jwt token")
	}
	if resolved.CPU <= 0 {
		resolved.CPU = 1
	}
	if resolved.MemoryMB <= 0 {
		resolved.MemoryMB = 1024
	}
	return resolved, nil
}

func newDaytonaClient(cfg DaytonaConfig) (*daytonaClient, error) {
	scheme, host, basePath, err := parseBaseURL(cfg.APIURL)
	if err != nil {
		return nil, err
	}

	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = &http.Client{}
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if cfg.JWTToken != "" && cfg.OrganizationID != "" {
		apiCfg.AddDefaultHeader("X-Daytona-Organization-ID", cfg.OrganizationID)
	}
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &daytonaClient{
		cfg:        &cfg,
		apiClient:  apiclient.NewAPIClient(apiCfg),
		httpClient: apiCfg.HTTPClient,
		proxyCache: make(map[string]string),
	}, nil
}

func (c *daytonaClient) authToken() string {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey
	}
	return c.cfg.JWTToken
}

func (c *daytonaClient) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, c.authToken())
}

// createSandbox provisions a new Daytona sandbox for one agentrun project
// sandbox and waits for it to reach the started state.
func (c *daytonaClient) createSandbox(ctx context.Context) (*apiclient.Sandbox, error) {
	req := apiclient.NewCreateSandbox()
	req.SetName(fmt.Sprintf("agentrun-%d", time.Now().UnixNano()))
	if c.cfg.Target != "" {
		req.SetTarget(c.cfg.Target)
	}
	if c.cfg.Snapshot != "" {
		req.SetSnapshot(c.cfg.Snapshot)
	} else if c.cfg.Image != "" {
		req.SetBuildInfo(apiclient.CreateBuildInfo{DockerfileContent: fmt.Sprintf("FROM %s", c.cfg.Image)})
	}
	if c.cfg.SandboxClass != "" {
		req.SetClass(c.cfg.SandboxClass)
	}
	if !c.cfg.NetworkEnabled {
		req.SetNetworkBlockAll(true)
	} else if c.cfg.NetworkAllow != "" {
		req.SetNetworkAllowList(c.cfg.NetworkAllow)
	}
	req.SetCpu(int32(c.cfg.CPU))
	req.SetMemory(int32(c.cfg.MemoryMB / 1024))
	if minutes := durationToMinutes(c.cfg.AutoStop); minutes != nil {
		req.SetAutoStopInterval(*minutes)
	}
	if minutes := durationToMinutes(c.cfg.AutoArchive); minutes != nil {
		req.SetAutoArchiveInterval(*minutes)
	}
	if minutes := durationToMinutes(c.cfg.AutoDelete); minutes != nil {
		req.SetAutoDeleteInterval(*minutes)
	}

	sandbox, httpResp, err := c.apiClient.SandboxAPI.CreateSandbox(c.authContext(ctx)).CreateSandbox(*req).Execute()
	if err != nil {
		return nil, fmt.Errorf("daytona create sandbox: %w", formatAPIError(err, httpResp))
	}
	if state := sandbox.GetState(); state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
		return nil, fmt.Errorf("daytona sandbox failed to start: %s", state)
	}
	if sandbox.GetState() != apiclient.SANDBOXSTATE_STARTED {
		if err := c.waitForState(ctx, sandbox.GetId(), apiclient.SANDBOXSTATE_STARTED); err != nil {
			return nil, err
		}
	}
	return sandbox, nil
}

func (c *daytonaClient) waitForState(ctx context.Context, sandboxID string, want apiclient.SandboxState) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		sandbox, httpResp, err := c.apiClient.SandboxAPI.GetSandbox(c.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("daytona sandbox status: %w", formatAPIError(err, httpResp))
		}
		switch sandbox.GetState() {
		case want:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("daytona sandbox entered state %s while waiting for %s", sandbox.GetState(), want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *daytonaClient) sandboxState(ctx context.Context, sandboxID string) (apiclient.SandboxState, error) {
	sandbox, httpResp, err := c.apiClient.SandboxAPI.GetSandbox(c.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return "", fmt.Errorf("daytona sandbox status: %w", formatAPIError(err, httpResp))
	}
	return sandbox.GetState(), nil
}

func (c *daytonaClient) startSandbox(ctx context.Context, sandboxID string) error {
	if _, httpResp, err := c.apiClient.SandboxAPI.StartSandbox(c.authContext(ctx), sandboxID).Execute(); err != nil {
		return fmt.Errorf("daytona start sandbox: %w", formatAPIError(err, httpResp))
	}
	return c.waitForState(ctx, sandboxID, apiclient.SANDBOXSTATE_STARTED)
}

func (c *daytonaClient) stopSandbox(ctx context.Context, sandboxID string) error {
	_, httpResp, err := c.apiClient.SandboxAPI.StopSandbox(c.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return fmt.Errorf("daytona stop sandbox: %w", formatAPIError(err, httpResp))
	}
	return nil
}

func (c *daytonaClient) deleteSandbox(ctx context.Context, sandboxID string) error {
	_, _, err := c.apiClient.SandboxAPI.DeleteSandbox(c.authContext(ctx), sandboxID).Execute()
	return err
}

func (c *daytonaClient) getToolboxProxyURL(ctx context.Context, sandboxID string) (string, error) {
	c.proxyMu.Lock()
	if cached, ok := c.proxyCache[sandboxID]; ok {
		c.proxyMu.Unlock()
		return cached, nil
	}
	c.proxyMu.Unlock()

	result, httpResp, err := c.apiClient.SandboxAPI.GetToolboxProxyUrl(c.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return "", fmt.Errorf("daytona toolbox proxy url: %w", formatAPIError(err, httpResp))
	}
	proxyURL := strings.TrimRight(result.GetUrl(), "/")
	c.proxyMu.Lock()
	c.proxyCache[sandboxID] = proxyURL
	c.proxyMu.Unlock()
	return proxyURL, nil
}

func (c *daytonaClient) toolboxClient(ctx context.Context, sandboxID string) (*toolbox.APIClient, error) {
	proxyURL, err := c.getToolboxProxyURL(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	scheme, host, basePath, err := parseBaseURL(fmt.Sprintf("%s/%s", proxyURL, sandboxID))
	if err != nil {
		return nil, err
	}

	cfg := toolbox.NewConfiguration()
	cfg.Host = host
	cfg.Scheme = scheme
	cfg.HTTPClient = c.httpClient
	cfg.AddDefaultHeader("Authorization", "Bearer "+c.authToken())
	cfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if c.cfg.JWTToken != "" && c.cfg.OrganizationID != "" {
		cfg.AddDefaultHeader("X-Daytona-Organization-ID", c.cfg.OrganizationID)
	}
	cfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}
	return toolbox.NewAPIClient(cfg), nil
}

func parseBaseURL(raw string) (scheme, host, basePath string, err error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("sandboxctl: empty daytona url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("sandboxctl: invalid daytona url: %s", raw)
	}
	return parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"), nil
}

func formatAPIError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}

func formatToolboxError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}

func durationToMinutes(d *time.Duration) *int32 {
	if d == nil {
		return nil
	}
	minutes := int32(*d / time.Minute)
	return &minutes
}
