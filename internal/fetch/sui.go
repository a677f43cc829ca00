package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/autocompound-apr-ea/internal/config"
	"github.com/yourorg/autocompound-apr-ea/internal/model"
)

const queryEventsMethod = "suix_queryEvents"

// SuiEventSource reads Move events from a Sui full node over JSON-RPC.
type SuiEventSource struct {
	rpcURL     string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	pageLimit  int
}

// NewSuiEventSource creates an event source for the configured full node.
func NewSuiEventSource(cfg config.Config) *SuiEventSource {
	pageLimit := cfg.RPCPageLimit
	if pageLimit <= 0 {
		pageLimit = 50
	}

	limit := rate.Inf
	if cfg.RPCRateLimitRPS > 0 {
		limit = rate.Limit(cfg.RPCRateLimitRPS)
	}

	return &SuiEventSource{
		rpcURL:     cfg.SuiRPCURL,
		httpClient: newRetryClient(cfg.RPCRetryMax),
		limiter:    rate.NewLimiter(limit, 1),
		pageLimit:  pageLimit,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result *eventPage `json:"result"`
	Error  *rpcError  `json:"error"`
}

type eventPage struct {
	Data        []suiEvent      `json:"data"`
	NextCursor  json.RawMessage `json:"nextCursor"`
	HasNextPage bool            `json:"hasNextPage"`
}

type suiEvent struct {
	ID          json.RawMessage `json:"id"`
	Type        string          `json:"type"`
	TimestampMs string          `json:"timestampMs"`
	ParsedJSON  json.RawMessage `json:"parsedJson"`
}

// FetchEvents queries each event type in turn, newest first, until the page reaches events
// older than startTime.
func (s *SuiEventSource) FetchEvents(ctx context.Context, eventTypes []string, startTime, endTime int64) (model.EventBatch, error) {
	var events model.EventBatch
	for _, eventType := range eventTypes {
		typed, err := s.fetchEventType(ctx, eventType, startTime, endTime)
		if err != nil {
			return nil, err
		}
		events = append(events, typed...)
	}
	return events, nil
}

func (s *SuiEventSource) fetchEventType(ctx context.Context, eventType string, startTime, endTime int64) (model.EventBatch, error) {
	var (
		events model.EventBatch
		cursor json.RawMessage
		pages  int
	)

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := s.queryEvents(ctx, eventType, cursor)
		if err != nil {
			return nil, err
		}
		pages++

		reachedStart := false
		for _, raw := range page.Data {
			ts, err := strconv.ParseInt(raw.TimestampMs, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("event %s: invalid timestampMs %q", string(raw.ID), raw.TimestampMs)
			}
			if ts < startTime {
				reachedStart = true
				break
			}
			if ts > endTime {
				continue
			}

			var ev model.CompoundingEvent
			if err := json.Unmarshal(raw.ParsedJSON, &ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"event_type": eventType,
					"event_id":   string(raw.ID),
				}).Warnf("Skipping undecodable event: %v", err)
				continue
			}
			if err := ev.Validate(); err != nil {
				logrus.WithFields(logrus.Fields{
					"event_type": eventType,
					"event_id":   string(raw.ID),
				}).Warnf("Skipping invalid event: %v", err)
				continue
			}
			ev.Timestamp = ts
			events = append(events, ev)
		}

		if reachedStart || !page.HasNextPage || !hasCursor(page.NextCursor) {
			break
		}
		cursor = page.NextCursor
	}

	logrus.WithFields(logrus.Fields{
		"event_type": eventType,
		"pages":      pages,
		"events":     len(events),
	}).Debug("Fetched Sui events")
	return events, nil
}

func (s *SuiEventSource) queryEvents(ctx context.Context, eventType string, cursor json.RawMessage) (*eventPage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  queryEventsMethod,
		Params: []interface{}{
			map[string]string{"MoveEventType": eventType},
			cursor,
			s.pageLimit,
			true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error querying events from %s: %w", s.rpcURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sui rpc error: status %d, body: %s", resp.StatusCode, string(b))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("sui rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return nil, fmt.Errorf("sui rpc returned no result for %s", eventType)
	}
	return out.Result, nil
}

func hasCursor(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
