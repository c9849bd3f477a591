// Package normalizer converts raw source payloads — JSON, CSV rows, or
// unstructured WhatsApp text — into canonical events. It owns timezone
// normalization, field-name mapping, type coercion, and the rule-based
// NLP used for free-text channels.
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brightpath-edu/cdp/model"
)

// ─── Timestamp handling ─────────────────────────────────────

// commonTZOffsets maps named timezone abbreviations to numeric offsets.
// Substitution happens before ISO-8601 parsing; Go's parser does not
// understand bare abbreviations.
var commonTZOffsets = []struct{ abbr, offset string }{
	{"CEST", "+02:00"}, // must precede CET
	{"CET", "+01:00"},
	{"EST", "-05:00"},
	{"PST", "-08:00"},
	{"IST", "+05:30"},
}

// timestampLayouts are tried in order. Layouts without a zone produce a
// naive time that is interpreted as UTC.
var timestampLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05 -07:00", false}, // offset substituted for a named zone
	{"2006-01-02 15:04:05Z07:00", false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02 15:04:05.999999999", true},
	{"2006-01-02", true},
}

// ParseTimestamp best-effort parses any raw timestamp representation and
// always returns UTC. Unparseable input degrades to now(UTC) with a
// logged warning — ingestion never fails on a bad timestamp.
func ParseTimestamp(raw any, log zerolog.Logger) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case float64:
		return time.Unix(int64(v), int64((v-float64(int64(v)))*1e9)).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case string:
		cleaned := strings.TrimSpace(v)
		for _, tz := range commonTZOffsets {
			cleaned = strings.ReplaceAll(cleaned, tz.abbr, tz.offset)
		}
		for _, l := range timestampLayouts {
			t, err := time.Parse(l.layout, cleaned)
			if err != nil {
				continue
			}
			if l.naive {
				// Re-anchor wall-clock fields in UTC.
				t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
			}
			return t.UTC()
		}
		log.Warn().Str("raw", v).Msg("unparseable timestamp, defaulting to now")
		return time.Now().UTC()
	default:
		return time.Now().UTC()
	}
}

// ─── WhatsApp NLP (rule-based) ──────────────────────────────

type intentPattern struct {
	intent  string
	pattern *regexp.Regexp
}

// intentPatterns is an ordered first-match list.
var intentPatterns = []intentPattern{
	{"enrollment_inquiry", regexp.MustCompile(`(?i)\b(enroll|admission|apply|register)\b`)},
	{"program_inquiry", regexp.MustCompile(`(?i)\b(program|course|degree|master|bachelor)\b`)},
	{"fee_inquiry", regexp.MustCompile(`(?i)\b(fee|cost|price|tuition|payment)\b`)},
	{"support_request", regexp.MustCompile(`(?i)\b(help|support|problem|issue|error)\b`)},
	{"schedule_inquiry", regexp.MustCompile(`(?i)\b(schedule|deadline|start date|when)\b`)},
}

const defaultIntent = "general_message"

var entityPatterns = map[string]*regexp.Regexp{
	"email":        regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	"phone":        regexp.MustCompile(`\+?\d[\d\-\s()]{7,}\d`),
	"program_name": regexp.MustCompile(`(?i)\b(?:B\.?Sc|M\.?Sc|MBA|B\.?A|M\.?A)\b\.?\s*\w*`),
}

// DetectIntent returns the first matching intent or "general_message".
func DetectIntent(text string) string {
	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(text) {
			return ip.intent
		}
	}
	return defaultIntent
}

// ExtractEntities pulls known entity types out of unstructured text.
func ExtractEntities(text string) map[string][]string {
	entities := make(map[string][]string)
	for entityType, pattern := range entityPatterns {
		matches := pattern.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		trimmed := make([]string, 0, len(matches))
		for _, m := range matches {
			trimmed = append(trimmed, strings.TrimSpace(m))
		}
		entities[entityType] = trimmed
	}
	return entities
}

// ─── Normalizer ─────────────────────────────────────────────

// Normalizer is a stateless converter from raw payloads to canonical
// events. Safe for concurrent use.
type Normalizer struct {
	log zerolog.Logger
	now func() time.Time
}

// New returns a Normalizer logging through log.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{
		log: log.With().Str("component", "normalizer").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Test hook.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// NormalizeJSON converts a raw JSON payload into a canonical event.
func (n *Normalizer) NormalizeJSON(raw map[string]any, source model.EventSource) *model.CanonicalEvent {
	timestamp := n.now()
	if ts := firstPresent(raw, "timestamp", "event_time"); ts != nil {
		timestamp = ParseTimestamp(ts, n.log)
	}

	eventType := stringOr(firstPresent(raw, "event_type", "event"), "unknown")
	studentID := stringOr(firstPresent(raw, "user_id", "student_id", "Id"), "")

	eventID := stringOr(raw["event_id"], "")
	if eventID == "" {
		eventID = model.NewEventID()
	}

	identifiers := extractIdentifiers(raw)
	normalized := n.coerceTypes(raw)
	attachIdentifiers(normalized, identifiers)

	return &model.CanonicalEvent{
		EventID:        eventID,
		EventType:      eventType,
		Source:         source,
		Timestamp:      timestamp,
		StudentID:      studentID,
		RawData:        raw,
		NormalizedData: normalized,
		PersonalInfo:   extractPersonalInfo(raw),
		Identifiers:    identifiers,
		Consent:        extractConsent(raw),
	}
}

// NormalizeCSVRow converts one CSV row using a column→canonical field map.
// CSV imports are always CRM-sourced.
func (n *Normalizer) NormalizeCSVRow(row map[string]any, schemaMap map[string]string) *model.CanonicalEvent {
	mapped := make(map[string]any, len(schemaMap))
	for col, field := range schemaMap {
		if v, ok := row[col]; ok {
			mapped[field] = v
		}
	}

	timestamp := n.now()
	if ts := firstPresent(mapped, "timestamp", "event_time"); ts != nil {
		timestamp = ParseTimestamp(ts, n.log)
	}

	studentID := stringOr(firstPresent(mapped, "student_id", "salesforce_id"), "")
	identifiers := extractIdentifiers(mapped)
	normalized := n.coerceTypes(mapped)
	attachIdentifiers(normalized, identifiers)

	return &model.CanonicalEvent{
		EventID:        model.NewEventID(),
		EventType:      stringOr(mapped["event_type"], "csv_import"),
		Source:         model.SourceCRM,
		Timestamp:      timestamp,
		StudentID:      studentID,
		RawData:        row,
		NormalizedData: normalized,
		PersonalInfo:   extractPersonalInfo(mapped),
		Identifiers:    identifiers,
		Consent:        extractConsent(mapped),
	}
}

// NormalizeWhatsAppText converts a free-text WhatsApp message using
// rule-based intent detection and entity extraction. No ML dependency —
// the ingestion path stays fast and deterministic.
func (n *Normalizer) NormalizeWhatsAppText(body string, metadata map[string]any) *model.CanonicalEvent {
	intent := DetectIntent(body)
	entities := ExtractEntities(body)

	fromNumber := stringOr(metadata["from_number"], "")
	identifiers := whatsAppIdentifiers(fromNumber, entities)

	raw := map[string]any{"body": body}
	for k, v := range metadata {
		raw[k] = v
	}

	normalized := map[string]any{
		"intent":      intent,
		"entities":    entities,
		"from_number": fromNumber,
		"message_sid": stringOr(metadata["message_sid"], ""),
		"body_length": len(body),
	}
	attachIdentifiers(normalized, identifiers)

	timestamp := n.now()
	if ts, ok := metadata["timestamp"]; ok && ts != nil {
		timestamp = ParseTimestamp(ts, n.log)
	}

	return &model.CanonicalEvent{
		EventID:        model.NewEventID(),
		EventType:      "whatsapp." + intent,
		Source:         model.SourceWhatsApp,
		Timestamp:      timestamp,
		StudentID:      stringOr(metadata["student_id"], ""),
		RawData:        raw,
		NormalizedData: normalized,
		PersonalInfo:   model.PersonalInfo{Phone: fromNumber},
		Identifiers:    identifiers,
	}
}

// ─── Internal helpers ───────────────────────────────────────

// coerceTypes applies best-effort coercion: temporal keys become UTC
// strings, digit-only strings become integers, nil is preserved.
func (n *Normalizer) coerceTypes(data map[string]any) map[string]any {
	coerced := make(map[string]any, len(data))
	for key, value := range data {
		switch {
		case value == nil:
			coerced[key] = nil
		case strings.HasSuffix(key, "_at") || key == "timestamp":
			coerced[key] = ParseTimestamp(value, n.log).Format(time.RFC3339)
		default:
			if s, ok := value.(string); ok && digitsOnly(s) {
				if i, err := strconv.ParseInt(s, 10, 64); err == nil {
					coerced[key] = i
					continue
				}
			}
			coerced[key] = value
		}
	}
	return coerced
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// identifierFieldNames maps canonical identifier types to the raw field
// names that carry them.
var identifierFieldNames = map[model.IdentifierType][]string{
	model.IdentifierEmail:        {"email", "personal_email"},
	model.IdentifierPhone:        {"phone", "phone_number", "from_number"},
	model.IdentifierDeviceID:     {"device_id", "advertising_id"},
	model.IdentifierSessionID:    {"session_id"},
	model.IdentifierSalesforceID: {"salesforce_id", "Id"},
}

// extractIdentifiers collects identifiers from a flat payload in the
// canonical order: email, phone, device_id, session_id, salesforce_id.
func extractIdentifiers(data map[string]any) []model.Identifier {
	var out []model.Identifier
	seen := make(map[string]bool)
	for _, t := range model.IdentifierOrder {
		for _, field := range identifierFieldNames[t] {
			v := stringOr(data[field], "")
			if v == "" {
				continue
			}
			key := string(t) + "\x00" + v
			id := model.Identifier{Type: t, Value: v}
			if !seen[key] && id.Valid() {
				seen[key] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// whatsAppIdentifiers builds identifiers from the sender number plus any
// extracted entities, preserving canonical order.
func whatsAppIdentifiers(fromNumber string, entities map[string][]string) []model.Identifier {
	var out []model.Identifier
	seen := make(map[string]bool)
	add := func(t model.IdentifierType, v string) {
		key := string(t) + "\x00" + v
		id := model.Identifier{Type: t, Value: v}
		if v != "" && !seen[key] && id.Valid() {
			seen[key] = true
			out = append(out, id)
		}
	}
	for _, email := range entities["email"] {
		add(model.IdentifierEmail, email)
	}
	add(model.IdentifierPhone, fromNumber)
	for _, phone := range entities["phone"] {
		add(model.IdentifierPhone, phone)
	}
	return out
}

// attachIdentifiers mirrors the extracted identifiers into
// normalized_data so downstream consumers see them without the typed field.
func attachIdentifiers(normalized map[string]any, identifiers []model.Identifier) {
	if len(identifiers) == 0 {
		return
	}
	list := make([]map[string]any, 0, len(identifiers))
	for _, id := range identifiers {
		list = append(list, map[string]any{"type": string(id.Type), "value": id.Value})
	}
	normalized["identifiers"] = list
}

func extractPersonalInfo(data map[string]any) model.PersonalInfo {
	info := model.PersonalInfo{
		Email: stringOr(data["email"], ""),
		Phone: stringOr(data["phone"], ""),
	}
	if name := stringOr(data["name"], ""); name != "" {
		info.Name = name
	} else {
		first := stringOr(data["first_name"], "")
		last := stringOr(data["last_name"], "")
		info.Name = strings.TrimSpace(first + " " + last)
	}
	return info
}

func extractConsent(data map[string]any) map[string]bool {
	raw, ok := data["consent"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for ch, v := range raw {
		if b, ok := v.(bool); ok && model.ValidChannel(ch) {
			out[ch] = b
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstPresent(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func stringOr(v any, fallback string) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return fallback
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return fmt.Sprintf("%v", s)
	default:
		return fallback
	}
}
