package imagepoller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/docker/distribution/reference"
	"github.com/opencontainers/go-digest"

	"github.com/wopr/fleetctl/internal/ctrlerr"
	"github.com/wopr/fleetctl/internal/nodebus"
)

// RegistryResolver implements Resolver against a real OCI-compatible
// registry: an anonymous bearer token exchange followed by a manifest
// HEAD, reading the digest back from Docker-Content-Digest.
type RegistryResolver struct {
	client *http.Client
}

func NewRegistryResolver(client *http.Client) *RegistryResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &RegistryResolver{client: client}
}

func (r *RegistryResolver) RemoteDigest(ctx context.Context, image string) (digest.Digest, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("imagepoller: parsing image ref %q: %w", image, err)
	}
	tag := "latest"
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	domain := reference.Domain(named)
	repoPath := reference.Path(named)

	token, err := r.anonymousToken(ctx, domain, repoPath)
	if err != nil {
		return "", err
	}

	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", domain, repoPath, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.oci.image.manifest.v1+json, application/vnd.docker.distribution.manifest.v2+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagepoller: heading manifest for %s: %w", image, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imagepoller: registry returned %d for %s: %w", resp.StatusCode, image, ctrlerr.UpstreamFailure)
	}

	raw := resp.Header.Get("Docker-Content-Digest")
	if raw == "" {
		return "", fmt.Errorf("imagepoller: registry response for %s missing Docker-Content-Digest", image)
	}
	return digest.Parse(raw)
}

// anonymousToken exchanges for a pull-scoped bearer token via the
// registry's declared auth realm, following the Docker Registry v2 token
// flow. Registries that don't require auth (or that 200 unauthenticated
// HEADs) simply return an empty token.
func (r *RegistryResolver) anonymousToken(ctx context.Context, domain, repoPath string) (string, error) {
	pingURL := fmt.Sprintf("https://%s/v2/", domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagepoller: pinging registry %s: %w", domain, err)
	}
	defer resp.Body.Close()

	challenge := resp.Header.Get("Www-Authenticate")
	if challenge == "" {
		return "", nil
	}
	realm, service := parseBearerChallenge(challenge)
	if realm == "" {
		return "", nil
	}

	tokenURL := fmt.Sprintf("%s?service=%s&scope=repository:%s:pull", realm, service, repoPath)
	tReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", err
	}
	tResp, err := r.client.Do(tReq)
	if err != nil {
		return "", fmt.Errorf("imagepoller: fetching pull token: %w", err)
	}
	defer tResp.Body.Close()

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(tResp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("imagepoller: decoding token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

var (
	realmPattern   = regexp.MustCompile(`realm="([^"]+)"`)
	servicePattern = regexp.MustCompile(`service="([^"]+)"`)
)

// parseBearerChallenge extracts realm and service from a
// `Bearer realm="...",service="..."` WWW-Authenticate header. It's
// deliberately forgiving: a missing field comes back empty rather than
// erroring, since callers treat a missing realm as "no auth required."
func parseBearerChallenge(header string) (realm, service string) {
	if m := realmPattern.FindStringSubmatch(header); m != nil {
		realm = m[1]
	}
	if m := servicePattern.FindStringSubmatch(header); m != nil {
		service = m[1]
	}
	return realm, service
}

// BusInspector implements NodeInspector by issuing bot.inspect over the
// node command bus and reading the reported digest back out of the
// command result payload.
type BusInspector struct {
	bus *nodebus.Hub
}

func NewBusInspector(bus *nodebus.Hub) *BusInspector {
	return &BusInspector{bus: bus}
}

func (b *BusInspector) CurrentDigest(ctx context.Context, nodeID, botID string) (digest.Digest, error) {
	res, err := b.bus.Send(ctx, nodeID, botID+"-inspect", "bot.inspect", map[string]string{"botId": botID})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("imagepoller: bot.inspect failed for %s: %s", botID, res.Error)
	}

	var payload struct {
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		return "", fmt.Errorf("imagepoller: decoding inspect result for %s: %w", botID, err)
	}
	return digest.Parse(payload.Digest)
}
