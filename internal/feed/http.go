package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	logx "feedwatch/pkg/logx"
)

const maxBodyBytes = 8 << 20

// Signer decorates outbound requests with the operator credential.
type Signer interface {
	Sign(req *http.Request) error
}

// Refresher re-derives time-limited signing parameters.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// httpGetter is shared by all tiers.
type httpGetter struct {
	client *http.Client
	signer Signer
	log    logx.Logger
}

func (g httpGetter) get(ctx context.Context, tier TierName, rawURL string, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if g.signer != nil {
		if err := g.signer.Sign(req); err != nil {
			g.log.Debug("request sent unsigned", logx.String("tier", string(tier)), logx.Err(err))
		}
	}
	client := g.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w: %w", tier, ErrTransientNetwork, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w: %w", tier, ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, apiStatusError(tier, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", tier, ErrTransientNetwork, err)
	}
	return b, nil
}

// getAPI fetches a JSON API and returns its data field for code 0.
func (g httpGetter) getAPI(ctx context.Context, tier TierName, rawURL string) (json.RawMessage, error) {
	b, err := g.get(ctx, tier, rawURL, "application/json")
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, malformed(tier, "response is not JSON at offset %d", syn.Offset)
		}
		return nil, malformed(tier, "%v", err)
	}
	if env.Code != 0 {
		return nil, apiCodeError(tier, env.Code, env.Message)
	}
	return env.Data, nil
}
