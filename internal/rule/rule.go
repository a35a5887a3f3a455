package rule

// Rule routes matching events to a target channel. Rules are owned by the
// external admin API; the core only reads them.
type Rule struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	EventType       string     `json:"event_type"`
	FilterPredicate *Predicate `json:"filter_predicate,omitempty"`
	TargetChannelID string     `json:"target_channel_id"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
}

// Channel is an opaque delivery target owned by the external admin API.
type Channel struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	EndpointURL string `json:"endpoint_url"`
	Secret      string `json:"-"`
	Active      bool   `json:"active"`
}
