package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "prayerd/internal/log"
	"prayerd/internal/model"
	"prayerd/internal/trigger"
)

// ParseFeed reads a feed written by FeedRegistrar back into registrations.
// VEVENTs that were not written by us, or are malformed, are logged and
// skipped; the rest are still returned.
func ParseFeed(body []byte) ([]trigger.Registration, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics feed: %w", err)
	}

	regs := make([]trigger.Registration, 0)
	for _, ve := range cal.Events() {
		r, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Warn("ics vevent skipped", "uid", ve.Id(), "reason", perr.Error())
			continue
		}
		regs = append(regs, r)
	}
	return regs, nil
}

func parseVEvent(ve *ical.VEvent) (trigger.Registration, error) {
	var out trigger.Registration

	uid := ve.Id()
	if !strings.HasSuffix(uid, uidSuffix) {
		return out, fmt.Errorf("foreign UID %q", uid)
	}
	out.ID = strings.TrimSuffix(uid, uidSuffix)

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.FireAt = start

	event, err := model.ParseEventName(propValue(ve, propEvent))
	if err != nil {
		return out, err
	}
	date, err := model.ParseDate(propValue(ve, propDate))
	if err != nil {
		return out, err
	}

	p := trigger.Payload{
		Event:     event,
		Date:      date,
		PreAlarm:  propValue(ve, propKind) == string(model.KindPreAlarm),
		PlaySound: strings.EqualFold(propValue(ve, propSound), "TRUE"),
	}
	if v := propValue(ve, propLead); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return out, fmt.Errorf("lead %q: %w", v, err)
		}
		p.LeadMinutes = n
	}
	out.Payload = p
	return out, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ve.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}
