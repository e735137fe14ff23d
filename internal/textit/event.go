package textit

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Webhook event names.
const (
	EventIncoming  = "mo_sms"
	EventSent      = "mt_sent"
	EventDelivered = "mt_dlvd"
	EventFailed    = "mt_fail"
)

// TimeLayout is TextIt's webhook timestamp format, e.g. 2013-01-21T22:34:00.123.
// Parsing accepts any number of fractional digits.
const TimeLayout = "2006-01-02T15:04:05"

// IsSMSEvent reports whether event carries the SMS form fields.
func IsSMSEvent(event string) bool {
	switch event {
	case EventIncoming, EventSent, EventDelivered, EventFailed:
		return true
	}
	return false
}

// SMSEvent is a validated SMS webhook post.
type SMSEvent struct {
	Event        string
	Relayer      int64
	RelayerPhone string
	SMS          int64
	Phone        string
	Text         string
	Status       string
	Direction    string
	Time         time.Time
}

// ExternalID is the TextIt message id as stored on outgoing messages.
func (e SMSEvent) ExternalID() string {
	return strconv.FormatInt(e.SMS, 10)
}

// FormErrors maps a field to its validation problem.
type FormErrors map[string]string

func (fe FormErrors) Error() string {
	fields := make([]string, 0, len(fe))
	for f := range fe {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, fmt.Sprintf("%s: %s", f, fe[f]))
	}
	return strings.Join(lines, "\n")
}

// ParseSMSEvent validates the webhook form. Every field is required.
func ParseSMSEvent(form url.Values) (SMSEvent, error) {
	errs := FormErrors{}
	required := func(name string) string {
		v := strings.TrimSpace(form.Get(name))
		if v == "" {
			errs[name] = "This field is required."
		}
		return v
	}
	integer := func(name string) int64 {
		v := required(name)
		if v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs[name] = "Enter a whole number."
		}
		return n
	}

	ev := SMSEvent{
		Event:        required("event"),
		Relayer:      integer("relayer"),
		RelayerPhone: required("relayer_phone"),
		SMS:          integer("sms"),
		Phone:        required("phone"),
		Text:         required("text"),
		Status:       required("status"),
		Direction:    required("direction"),
	}
	if raw := required("time"); raw != "" {
		t, err := time.Parse(TimeLayout, raw)
		if err != nil {
			errs["time"] = "Enter a valid date/time."
		}
		ev.Time = t
	}

	if len(errs) > 0 {
		return SMSEvent{}, errs
	}
	return ev, nil
}
