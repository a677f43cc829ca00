package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/autocompound-apr-ea/internal/model"
	"github.com/yourorg/autocompound-apr-ea/internal/yield"
)

// Helpers for reading the loosely typed Chainlink request data

// parsePools reads "pools" as a JSON array of names or a comma-separated string. "pool" is
// accepted for a single name.
func parsePools(data map[string]interface{}) ([]model.PoolName, error) {
	raw, ok := data["pools"]
	if !ok {
		raw, ok = data["pool"]
	}
	if !ok || raw == nil {
		return nil, nil
	}

	var names []model.PoolName
	switch v := raw.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, model.PoolName(part))
			}
		}
	case []interface{}:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("pools[%d] must be a string", i)
			}
			names = append(names, model.PoolName(strings.TrimSpace(s)))
		}
	default:
		return nil, fmt.Errorf("pools must be a list or a comma-separated string")
	}
	return names, nil
}

// parseMillis reads an epoch-millisecond value given as a JSON number or a numeric string.
// A missing key yields ok == false.
func parseMillis(data map[string]interface{}, key string) (value int64, ok bool, err error) {
	raw, present := data[key]
	if !present || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false, fmt.Errorf("%s must be an integer", key)
		}
		return int64(v), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("%s must be a number", key)
	}
}

// buildRequest turns request data into a yield request. endTime defaults to now and startTime
// to endTime minus lookback.
func buildRequest(data map[string]interface{}, now time.Time, lookback time.Duration) (yield.Request, error) {
	pools, err := parsePools(data)
	if err != nil {
		return yield.Request{}, err
	}

	end, ok, err := parseMillis(data, "endTime")
	if err != nil {
		return yield.Request{}, err
	}
	if !ok {
		end = now.UnixMilli()
	}

	start, ok, err := parseMillis(data, "startTime")
	if err != nil {
		return yield.Request{}, err
	}
	if !ok {
		start = end - lookback.Milliseconds()
	}

	return yield.Request{PoolNames: pools, StartTime: start, EndTime: end}, nil
}
