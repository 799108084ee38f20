package models

import "time"

// Delivery log response types
const (
	ResponsePing   = "ping"
	ResponseAll    = "all"
	ResponseHTML   = "html"
	ResponsePlain  = "plain"
	ResponseFailed = "failed"
)

// ReturnCodeUnknown marks an unclassified bounce or transport failure
const ReturnCodeUnknown = -1

// DeliveryLogEntry is one append-only delivery event
type DeliveryLogEntry struct {
	UID             int64     `json:"uid"`
	Mail            int64     `json:"mail"`
	RecipientSource string    `json:"recipient_source"`
	RecipientUID    string    `json:"recipient_uid"`
	Email           string    `json:"email"`
	ResponseType    string    `json:"response_type"`
	URLID           int       `json:"url_id"`
	URL             string    `json:"url"`
	Tstamp          time.Time `json:"tstamp"`
	ParseTime       int       `json:"parse_time"`
	FormatSent      int       `json:"format_sent"`
	ReturnCode      int       `json:"return_code"`
	ReturnContent   string    `json:"return_content"`
}

// LogStats holds per-mailing counters for reporting
type LogStats struct {
	All    int `json:"all"`
	HTML   int `json:"html"`
	Plain  int `json:"plain"`
	Ping   int `json:"ping"`
	Failed int `json:"failed"`
}
