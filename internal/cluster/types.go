package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeInfo describes one connected node.
type NodeInfo struct {
	ID          string    `json:"id"`                // Connection id, a ULID
	Name        string    `json:"name"`              // Node name reported at auth
	Account     string    `json:"account,omitempty"` // Empty until authorized
	Addr        string    `json:"addr"`              // Remote address
	Version     int       `json:"version"`           // Negotiated protocol version
	Scopes      []string  `json:"scopes"`            // Granted scopes
	Sessions    []string  `json:"sessions"`          // Owned session ids
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// SessionInfo describes one registered session. Owner is the name of the
// connected node holding it, empty for sessions without a live owner.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	DataID    string    `json:"dataId"`
	Account   string    `json:"account"`
	Node      string    `json:"node"`
	Realm     string    `json:"realm,omitempty"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"time"`
	HadWrites bool      `json:"hadWrites"`
	Owner     string    `json:"owner,omitempty"`
}

// CacheInfo mirrors the Data Cache counters.
type CacheInfo struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Loads     uint64 `json:"loads"`
	Evictions uint64 `json:"evictions"`
}

// StorageInfo mirrors the Data Store counters.
type StorageInfo struct {
	Accounts  int `json:"accounts"`
	Scopes    int `json:"scopes"`
	Documents int `json:"documents"`
	Bytes     int `json:"bytes"`
}

// Status is the summary served at the API root.
type Status struct {
	Version      string      `json:"version"`
	Started      time.Time   `json:"started"`
	UptimeMillis int64       `json:"uptimeMillis"`
	UptimeHours  float64     `json:"uptimeHours"`
	WarmingUp    bool        `json:"warmingUp"`
	Nodes        int         `json:"nodes"`
	Sessions     int         `json:"sessions"`
	Cache        CacheInfo   `json:"cache"`
	Storage      StorageInfo `json:"storage"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON body into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
